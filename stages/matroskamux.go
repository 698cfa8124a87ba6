package stages

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// Matroska element IDs, written verbatim.
const (
	mkvIDEBML               = 0x1A45DFA3
	mkvIDEBMLVersion        = 0x4286
	mkvIDEBMLReadVersion    = 0x42F7
	mkvIDEBMLMaxIDLength    = 0x42F2
	mkvIDEBMLMaxSizeLength  = 0x42F3
	mkvIDDocType            = 0x4282
	mkvIDDocTypeVersion     = 0x4287
	mkvIDDocTypeReadVersion = 0x4285
	mkvIDSegment            = 0x18538067
	mkvIDInfo               = 0x1549A966
	mkvIDTimestampScale     = 0x2AD7B1
	mkvIDMuxingApp          = 0x4D80
	mkvIDWritingApp         = 0x5741
	mkvIDTracks             = 0x1654AE6B
	mkvIDTrackEntry         = 0xAE
	mkvIDTrackNumber        = 0xD7
	mkvIDTrackUID           = 0x73C5
	mkvIDTrackType          = 0x83
	mkvIDFlagLacing         = 0x9C
	mkvIDCodecID            = 0x86
	mkvIDCodecPrivate       = 0x63A2
	mkvIDVideo              = 0xE0
	mkvIDPixelWidth         = 0xB0
	mkvIDPixelHeight        = 0xBA
	mkvIDCluster            = 0x1F43B675
	mkvIDTimestamp          = 0xE7
	mkvIDSimpleBlock        = 0xA3
)

const mkvWritingApp = "rovlink"

// mkvClusterSpan starts a new cluster before the signed 16-bit block
// offset runs out.
const mkvClusterSpan = 30 * time.Second

// MatroskaMux wraps the encoded stream into a streamable Matroska
// container: unknown segment and cluster sizes, no seeking index, so
// the file is playable up to the last block even if never finalized.
//
// Muxing starts at the first keyframe. H.264 and H.265 access units
// are rewritten from start codes to length prefixes to match the
// configuration record in the track header; the other codecs are
// stored as-is. A new cluster opens on every keyframe.
type MatroskaMux struct {
	*core.Base

	caps     core.Caps
	haveCaps bool

	started     bool
	lengthFixup bool
	base        time.Duration
	clusterBase time.Duration
	haveCluster bool

	warnedCapsChange bool
	failed           bool
}

// MatroskaMuxConfig configures a muxer
type MatroskaMuxConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus
}

// NewMatroskaMux creates the muxer.
func NewMatroskaMux(cfg MatroskaMuxConfig) *MatroskaMux {
	m := &MatroskaMux{}
	m.Base = core.NewBase(core.BaseConfig{
		Name:    cfg.Name,
		Logger:  cfg.Logger,
		Bus:     cfg.Bus,
		Handler: m,
		InputTypes: []core.MediaType{
			core.MediaTypeH264, core.MediaTypeH265,
			core.MediaTypeVP8, core.MediaTypeVP9, core.MediaTypeAV1,
		},
		OutputTypes: []core.MediaType{core.MediaTypeMatroska},
		InboxSize:   32,
	})
	return m
}

func (m *MatroskaMux) HandleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.CapsEvent:
		m.handleCaps(e.Caps)
	case core.PacketEvent:
		m.write(e)
	case core.EOSEvent:
		m.Send(e)
	}
}

func (m *MatroskaMux) handleCaps(caps core.Caps) {
	if m.started && caps.MediaType != m.caps.MediaType {
		if !m.warnedCapsChange {
			m.warnedCapsChange = true
			m.Logger().Warn().
				Str("from", string(m.caps.MediaType)).Str("to", string(caps.MediaType)).
				Msg("stream format changed mid-recording")
		}
		return
	}
	m.caps = caps
	m.haveCaps = true
	m.Send(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeMatroska}})
}

func (m *MatroskaMux) write(e core.PacketEvent) {
	if m.failed || len(e.Data) == 0 {
		return
	}
	if !m.started {
		if !e.Keyframe || !m.begin(e) {
			return
		}
	}

	rel := e.PTS - m.base
	if !m.haveCluster || e.Keyframe || rel-m.clusterBase > mkvClusterSpan || rel < m.clusterBase {
		m.openCluster(rel)
	}

	data := e.Data
	if m.lengthFixup {
		data = lengthPrefixed(data)
	}

	// Always in range: a cluster is at most mkvClusterSpan long.
	offset := (rel - m.clusterBase).Milliseconds()

	// SimpleBlock: track number, signed block offset, flags, frame.
	block := make([]byte, 0, 4+len(data))
	block = append(block, 0x81)
	block = binary.BigEndian.AppendUint16(block, uint16(int16(offset)))
	if e.Keyframe {
		block = append(block, 0x80)
	} else {
		block = append(block, 0x00)
	}
	block = append(block, data...)

	out := appendEBMLID(nil, mkvIDSimpleBlock)
	out = appendEBMLSize(out, len(block))
	out = append(out, block...)
	m.Send(core.PacketEvent{Data: out, PTS: e.PTS, Keyframe: e.Keyframe, Marker: true})
}

// begin emits the container headers once everything they need is
// known. Returns false to wait for a later keyframe.
func (m *MatroskaMux) begin(e core.PacketEvent) bool {
	if !m.haveCaps {
		return false
	}
	codecID, fixup := matroskaCodecID(m.caps.MediaType)
	if codecID == "" {
		m.failed = true
		err := fmt.Errorf("cannot mux %s", m.caps.MediaType)
		m.Logger().Error().Err(err).Msg("recording failed")
		if m.Bus() != nil {
			m.Bus().PostError(m.Name(), err)
		}
		return false
	}

	width, height := m.caps.Width, m.caps.Height
	codecPrivate := m.caps.CodecData
	switch m.caps.MediaType {
	case core.MediaTypeH264, core.MediaTypeH265:
		// The parser upstream announces geometry and the configuration
		// record together; without them the track header cannot be
		// written yet.
		if width == 0 || height == 0 || codecPrivate == nil {
			return false
		}
	case core.MediaTypeVP8:
		if w, h, err := parseVP8Keyframe(e.Data); err == nil {
			width, height = w, h
		}
	case core.MediaTypeVP9:
		if w, h, err := parseVP9Keyframe(e.Data); err == nil {
			width, height = w, h
		}
	case core.MediaTypeAV1:
		rec, err := av1ConfigRecord(e.Data)
		if err != nil {
			m.Logger().Warn().Err(err).Msg("keyframe without sequence header skipped")
			return false
		}
		codecPrivate = rec
		if w, h, err := parseAV1Keyframe(e.Data); err == nil {
			width, height = w, h
		}
	}
	if width == 0 || height == 0 {
		m.Logger().Warn().Msg("keyframe without geometry skipped")
		return false
	}

	m.lengthFixup = fixup
	m.base = e.PTS
	m.started = true
	m.Send(core.PacketEvent{
		Data:   buildMatroskaHeaders(codecID, codecPrivate, width, height),
		PTS:    e.PTS,
		Marker: true,
	})
	m.Logger().Info().
		Str("codec", codecID).
		Int("width", width).Int("height", height).
		Msg("recording container opened")
	return true
}

func (m *MatroskaMux) openCluster(rel time.Duration) {
	m.clusterBase = rel
	m.haveCluster = true

	out := appendEBMLID(nil, mkvIDCluster)
	out = append(out, 0xFF) // unknown size, terminated by the next cluster
	out = appendEBMLUint(out, mkvIDTimestamp, uint64(rel.Milliseconds()))
	m.Send(core.PacketEvent{Data: out, PTS: m.base + rel, Marker: true})
}

// matroskaCodecID maps a stream type to its Matroska codec ID and
// reports whether access units need start codes replaced by length
// prefixes.
func matroskaCodecID(mt core.MediaType) (string, bool) {
	switch mt {
	case core.MediaTypeH264:
		return "V_MPEG4/ISO/AVC", true
	case core.MediaTypeH265:
		return "V_MPEGH/ISO/HEVC", true
	case core.MediaTypeVP8:
		return "V_VP8", false
	case core.MediaTypeVP9:
		return "V_VP9", false
	case core.MediaTypeAV1:
		return "V_AV1", false
	}
	return "", false
}

func buildMatroskaHeaders(codecID string, codecPrivate []byte, width, height int) []byte {
	var ebml []byte
	ebml = appendEBMLUint(ebml, mkvIDEBMLVersion, 1)
	ebml = appendEBMLUint(ebml, mkvIDEBMLReadVersion, 1)
	ebml = appendEBMLUint(ebml, mkvIDEBMLMaxIDLength, 4)
	ebml = appendEBMLUint(ebml, mkvIDEBMLMaxSizeLength, 8)
	ebml = appendEBMLString(ebml, mkvIDDocType, "matroska")
	ebml = appendEBMLUint(ebml, mkvIDDocTypeVersion, 4)
	ebml = appendEBMLUint(ebml, mkvIDDocTypeReadVersion, 2)
	out := appendEBMLMaster(nil, mkvIDEBML, ebml)

	// Segment with unknown size; everything after this is inside it.
	out = appendEBMLID(out, mkvIDSegment)
	out = append(out, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)

	var info []byte
	info = appendEBMLUint(info, mkvIDTimestampScale, 1000000)
	info = appendEBMLString(info, mkvIDMuxingApp, mkvWritingApp)
	info = appendEBMLString(info, mkvIDWritingApp, mkvWritingApp)
	out = appendEBMLMaster(out, mkvIDInfo, info)

	var video []byte
	video = appendEBMLUint(video, mkvIDPixelWidth, uint64(width))
	video = appendEBMLUint(video, mkvIDPixelHeight, uint64(height))

	var track []byte
	track = appendEBMLUint(track, mkvIDTrackNumber, 1)
	track = appendEBMLUint(track, mkvIDTrackUID, 1)
	track = appendEBMLUint(track, mkvIDTrackType, 1) // video
	track = appendEBMLUint(track, mkvIDFlagLacing, 0)
	track = appendEBMLString(track, mkvIDCodecID, codecID)
	if len(codecPrivate) > 0 {
		track = appendEBMLBinary(track, mkvIDCodecPrivate, codecPrivate)
	}
	track = appendEBMLMaster(track, mkvIDVideo, video)

	tracks := appendEBMLMaster(nil, mkvIDTrackEntry, track)
	return appendEBMLMaster(out, mkvIDTracks, tracks)
}

// lengthPrefixed rewrites an Annex-B access unit into four-byte length
// prefixed units.
func lengthPrefixed(au []byte) []byte {
	nalus := splitNALUs(au)
	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

// appendEBMLID writes an element ID, which carries its own length
// marker.
func appendEBMLID(dst []byte, id uint32) []byte {
	switch {
	case id > 0xFFFFFF:
		return append(dst, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFFFF:
		return append(dst, byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFF:
		return append(dst, byte(id>>8), byte(id))
	default:
		return append(dst, byte(id))
	}
}

// appendEBMLSize writes a data size as a minimal-width variable length
// integer.
func appendEBMLSize(dst []byte, n int) []byte {
	v := uint64(n)
	for width := 1; width <= 8; width++ {
		if v < uint64(1)<<(7*width)-1 {
			marker := byte(0x80 >> (width - 1))
			dst = append(dst, marker|byte(v>>(8*(width-1))))
			for i := width - 2; i >= 0; i-- {
				dst = append(dst, byte(v>>(8*i)))
			}
			return dst
		}
	}
	return dst
}

func appendEBMLUint(dst []byte, id uint32, v uint64) []byte {
	width := 1
	for v >= uint64(1)<<(8*width) && width < 8 {
		width++
	}
	dst = appendEBMLID(dst, id)
	dst = appendEBMLSize(dst, width)
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

func appendEBMLString(dst []byte, id uint32, s string) []byte {
	return appendEBMLBinary(dst, id, []byte(s))
}

func appendEBMLBinary(dst []byte, id uint32, b []byte) []byte {
	dst = appendEBMLID(dst, id)
	dst = appendEBMLSize(dst, len(b))
	return append(dst, b...)
}

func appendEBMLMaster(dst []byte, id uint32, body []byte) []byte {
	dst = appendEBMLID(dst, id)
	dst = appendEBMLSize(dst, len(body))
	return append(dst, body...)
}
