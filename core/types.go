package core

// State describes how far a stage or graph has been brought up. States are
// ordered; transitions always walk through the intermediate states one step
// at a time.
type State int

const (
	// StateNull holds no resources. Stages are created in this state.
	StateNull State = iota

	// StateReady has resources allocated (sockets bound, files opened,
	// helper processes spawned) but no data flowing.
	StateReady

	// StatePaused is fully negotiated but not producing. Live sources skip
	// straight through it.
	StatePaused

	// StatePlaying has data flowing.
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// MediaType identifies the kind of data carried across a link
type MediaType string

const (
	MediaTypeRTP      MediaType = "application/x-rtp"
	MediaTypeH264     MediaType = "video/x-h264"
	MediaTypeH265     MediaType = "video/x-h265"
	MediaTypeVP8      MediaType = "video/x-vp8"
	MediaTypeVP9      MediaType = "video/x-vp9"
	MediaTypeAV1      MediaType = "video/x-av1"
	MediaTypeRaw      MediaType = "video/x-raw"
	MediaTypeMatroska MediaType = "video/x-matroska"
)

// MediaTypeWildcard matches any media type. A stage advertising an empty
// type list is treated the same way.
const MediaTypeWildcard MediaType = "*"

// Compatible reports whether an output advertising types out can feed an
// input advertising types in. Empty lists and the wildcard match anything.
func Compatible(out, in []MediaType) bool {
	if len(out) == 0 || len(in) == 0 {
		return true
	}
	for _, o := range out {
		if o == MediaTypeWildcard {
			return true
		}
		for _, i := range in {
			if i == MediaTypeWildcard || i == o {
				return true
			}
		}
	}
	return false
}

// PixelFormat identifies the memory layout of a raw video frame
type PixelFormat string

const (
	// PixelFormatI420 is planar YUV 4:2:0, the decoder output format.
	PixelFormatI420 PixelFormat = "I420"

	// PixelFormatRGB is packed 8-bit RGB, the display and capture format.
	PixelFormatRGB PixelFormat = "RGB"
)
