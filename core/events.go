package core

import "time"

// EventType categorizes pipeline events
type EventType string

const (
	EventTypeCaps   EventType = "caps"
	EventTypePacket EventType = "packet"
	EventTypeFrame  EventType = "frame"
	EventTypeEOS    EventType = "eos"
)

// Event represents any item travelling through a pipeline link
type Event interface {
	EventType() EventType
}

// Caps describes the format of the data flowing on a link. Upstream stages
// announce caps before the first data event and again whenever the format
// changes.
type Caps struct {
	MediaType MediaType

	// Width and Height are set once the stream geometry is known. Zero
	// means not yet known.
	Width  int
	Height int

	// Format is set for raw video.
	Format PixelFormat

	// EncodingName and ClockRate are set for RTP streams.
	EncodingName string
	ClockRate    int

	// CodecData carries the codec initialization blob, avcC for H.264 and
	// hvcC for H.265, once the parameter sets have been seen.
	CodecData []byte
}

// HasGeometry reports whether the frame dimensions are known.
func (c Caps) HasGeometry() bool {
	return c.Width > 0 && c.Height > 0
}

// CapsEvent announces the stream format to downstream stages
type CapsEvent struct {
	Caps Caps
}

func (e CapsEvent) EventType() EventType {
	return EventTypeCaps
}

// PacketEvent carries encoded media: an RTP datagram, a NAL unit or a full
// access unit, depending on where in the graph it travels.
type PacketEvent struct {
	Data []byte

	// PTS is the presentation time relative to the start of the stream.
	PTS time.Duration

	// Keyframe marks packets a decoder can start from.
	Keyframe bool

	// Marker is set on the last packet of an access unit.
	Marker bool
}

func (e PacketEvent) EventType() EventType {
	return EventTypePacket
}

// Frame is a single raw video frame
type Frame struct {
	Format PixelFormat
	Width  int
	Height int
	Data   []byte
	PTS    time.Duration
}

// FrameSize returns the expected byte length of a frame with the given
// format and dimensions.
func FrameSize(format PixelFormat, width, height int) int {
	switch format {
	case PixelFormatI420:
		return width*height + 2*((width+1)/2)*((height+1)/2)
	case PixelFormatRGB:
		return width * height * 3
	default:
		return 0
	}
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data
	return f
}

// FrameEvent carries a decoded video frame
type FrameEvent struct {
	Frame Frame
}

func (e FrameEvent) EventType() EventType {
	return EventTypeFrame
}

// EOSEvent signals the end of the stream. It is pushed into a branch being
// detached so buffered data drains before the branch is torn down.
type EOSEvent struct{}

func (e EOSEvent) EventType() EventType {
	return EventTypeEOS
}
