package stages

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/eventloop"
)

// busRecorder runs an event loop and collects every message a stage
// posts to its bus.
type busRecorder struct {
	bus *core.Bus

	mu       sync.Mutex
	messages []core.Message
}

func newBusRecorder(t *testing.T) *busRecorder {
	t.Helper()
	loop := eventloop.New(zerolog.Nop())
	go loop.Run()
	t.Cleanup(func() {
		loop.Close()
		<-loop.Done()
	})
	r := &busRecorder{bus: core.NewBus(loop)}
	loop.Post(func() {
		r.bus.SetWatcher(func(msg core.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
		})
	})
	return r
}

func (r *busRecorder) snapshot() []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Message(nil), r.messages...)
}

func (r *busRecorder) errors() []core.Message {
	var out []core.Message
	for _, msg := range r.snapshot() {
		if msg.Type == core.MessageError {
			out = append(out, msg)
		}
	}
	return out
}

func (r *busRecorder) warnings() []core.Message {
	var out []core.Message
	for _, msg := range r.snapshot() {
		if msg.Type == core.MessageWarning {
			out = append(out, msg)
		}
	}
	return out
}

func vp8Keyframe(width, height int) []byte {
	buf := []byte{0x50, 0x01, 0x00, 0x9D, 0x01, 0x2A}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(width))
	return binary.LittleEndian.AppendUint16(buf, uint16(height))
}

func vp9Keyframe(width, height int) []byte {
	w := &bitWriter{}
	w.writeBits(2, 2) // frame_marker
	w.writeBits(0, 2) // profile
	w.writeBit(0)     // show_existing_frame
	w.writeBit(0)     // frame_type, key
	w.writeBit(1)     // show_frame
	w.writeBit(0)     // error_resilient_mode
	w.writeBits(0x498342, 24)
	w.writeBits(0, 3) // color_space
	w.writeBit(0)     // color_range
	w.writeBits(uint(width-1), 16)
	w.writeBits(uint(height-1), 16)
	return w.buf
}

// av1SequenceOBU builds a sequence header OBU with the reduced still
// picture layout and a size field.
func av1SequenceOBU(width, height int) []byte {
	w := &bitWriter{}
	w.writeBits(0, 3) // seq_profile
	w.writeBit(0)     // still_picture
	w.writeBit(1)     // reduced_still_picture_header
	w.writeBits(0, 5) // seq_level_idx
	w.writeBits(7, 4) // frame_width_bits_minus_1
	w.writeBits(7, 4) // frame_height_bits_minus_1
	w.writeBits(uint(width-1), 8)
	w.writeBits(uint(height-1), 8)
	return append([]byte{0x0A, byte(len(w.buf))}, w.buf...)
}

var h264MuxCaps = core.Caps{
	MediaType: core.MediaTypeH264,
	Width:     64,
	Height:    48,
	CodecData: []byte{0x01, 0x42, 0x00, 0x1E},
}

func newTestMux(t *testing.T) (*MatroskaMux, *recordStage) {
	t.Helper()
	m := NewMatroskaMux(MatroskaMuxConfig{Name: "mkvmux", Logger: zerolog.Nop()})
	sink := newRecordStage("sink")
	require.NoError(t, m.Link(sink))
	require.NoError(t, m.SetState(core.StatePlaying))
	t.Cleanup(func() { _ = m.SetState(core.StateNull) })
	return m, sink
}

func parseSimpleBlock(t *testing.T, data []byte) (int16, bool, []byte) {
	t.Helper()
	require.Equal(t, byte(0xA3), data[0])
	require.Equal(t, byte(0x81), data[2])
	offset := int16(binary.BigEndian.Uint16(data[3:5]))
	return offset, data[5] == 0x80, data[6:]
}

func TestMatroskaMuxWritesHeadersAtFirstKeyframe(t *testing.T) {
	m, sink := newTestMux(t)

	m.Push(core.CapsEvent{Caps: h264MuxCaps})
	// Frames before the first keyframe cannot start the file.
	m.Push(core.PacketEvent{Data: byteStream(pSlice(0x01)), PTS: time.Second, Marker: true})
	m.Push(core.PacketEvent{Data: byteStream(idrSlice(0x01)), PTS: 2 * time.Second, Keyframe: true, Marker: true})
	m.Push(core.EOSEvent{})

	waitEvents(t, sink, 5)
	events := sink.snapshot()
	require.Len(t, events, 5)
	require.Equal(t, core.MediaTypeMatroska, events[0].(core.CapsEvent).Caps.MediaType)

	headers := events[1].(core.PacketEvent)
	require.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, headers.Data[:4])
	require.Contains(t, string(headers.Data), "matroska")
	require.Contains(t, string(headers.Data), "V_MPEG4/ISO/AVC")
	require.Contains(t, string(headers.Data), "rovlink")
	require.True(t, bytes.Contains(headers.Data, []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}))
	require.True(t, bytes.Contains(headers.Data, append([]byte{0x63, 0xA2, 0x84}, h264MuxCaps.CodecData...)))
	require.True(t, bytes.Contains(headers.Data, []byte{0xB0, 0x81, 0x40}))
	require.True(t, bytes.Contains(headers.Data, []byte{0xBA, 0x81, 0x30}))
	require.Equal(t, 2*time.Second, headers.PTS)
	require.True(t, headers.Marker)

	cluster := events[2].(core.PacketEvent)
	require.Equal(t, []byte{0x1F, 0x43, 0xB6, 0x75, 0xFF, 0xE7, 0x81, 0x00}, cluster.Data)
	require.Equal(t, 2*time.Second, cluster.PTS)

	// One block: track one, offset zero, keyframe flag, the access unit
	// rewritten to length prefixes.
	block := events[3].(core.PacketEvent)
	require.Equal(t, []byte{
		0xA3, 0x8B, 0x81, 0x00, 0x00, 0x80,
		0x00, 0x00, 0x00, 0x03, 0x65, 0x88, 0x01,
	}, block.Data)
	require.True(t, block.Keyframe)

	require.Equal(t, core.EventTypeEOS, events[4].EventType())
}

func TestMatroskaMuxBlockOffsetsWithinCluster(t *testing.T) {
	m, sink := newTestMux(t)

	m.Push(core.CapsEvent{Caps: h264MuxCaps})
	m.Push(core.PacketEvent{Data: byteStream(idrSlice(0x01)), PTS: 10 * time.Second, Keyframe: true, Marker: true})
	m.Push(core.PacketEvent{Data: byteStream(pSlice(0x02)), PTS: 10*time.Second + 40*time.Millisecond, Marker: true})
	m.Push(core.PacketEvent{Data: byteStream(pSlice(0x03)), PTS: 10*time.Second + 80*time.Millisecond, Marker: true})

	waitEvents(t, sink, 6)
	events := sink.snapshot()
	require.Len(t, events, 6)

	offset, key, _ := parseSimpleBlock(t, events[3].(core.PacketEvent).Data)
	require.Equal(t, int16(0), offset)
	require.True(t, key)

	offset, key, _ = parseSimpleBlock(t, events[4].(core.PacketEvent).Data)
	require.Equal(t, int16(40), offset)
	require.False(t, key)

	offset, _, _ = parseSimpleBlock(t, events[5].(core.PacketEvent).Data)
	require.Equal(t, int16(80), offset)
}

func TestMatroskaMuxOpensClusterOnKeyframe(t *testing.T) {
	m, sink := newTestMux(t)

	m.Push(core.CapsEvent{Caps: h264MuxCaps})
	m.Push(core.PacketEvent{Data: byteStream(idrSlice(0x01)), Keyframe: true, Marker: true})
	m.Push(core.PacketEvent{Data: byteStream(pSlice(0x02)), PTS: 40 * time.Millisecond, Marker: true})
	m.Push(core.PacketEvent{Data: byteStream(idrSlice(0x03)), PTS: 80 * time.Millisecond, Keyframe: true, Marker: true})

	waitEvents(t, sink, 7)
	events := sink.snapshot()
	require.Len(t, events, 7)

	require.Equal(t, []byte{0x1F, 0x43, 0xB6, 0x75, 0xFF, 0xE7, 0x81, 0x50},
		events[5].(core.PacketEvent).Data)

	offset, key, _ := parseSimpleBlock(t, events[6].(core.PacketEvent).Data)
	require.Equal(t, int16(0), offset)
	require.True(t, key)
}

func TestMatroskaMuxRotatesClusterBySpanAndBackwardsTime(t *testing.T) {
	m, sink := newTestMux(t)

	m.Push(core.CapsEvent{Caps: h264MuxCaps})
	m.Push(core.PacketEvent{Data: byteStream(idrSlice(0x01)), Keyframe: true, Marker: true})
	// Past the cluster span, a plain frame still opens a fresh cluster.
	m.Push(core.PacketEvent{Data: byteStream(pSlice(0x02)), PTS: 31 * time.Second, Marker: true})
	// Timestamps jumping backwards cannot be expressed as a block offset.
	m.Push(core.PacketEvent{Data: byteStream(pSlice(0x03)), PTS: time.Second, Marker: true})

	waitEvents(t, sink, 8)
	events := sink.snapshot()
	require.Len(t, events, 8)

	require.Equal(t, []byte{0x1F, 0x43, 0xB6, 0x75, 0xFF, 0xE7, 0x82, 0x79, 0x18},
		events[4].(core.PacketEvent).Data)
	offset, _, _ := parseSimpleBlock(t, events[5].(core.PacketEvent).Data)
	require.Equal(t, int16(0), offset)

	require.Equal(t, []byte{0x1F, 0x43, 0xB6, 0x75, 0xFF, 0xE7, 0x82, 0x03, 0xE8},
		events[6].(core.PacketEvent).Data)
	offset, _, _ = parseSimpleBlock(t, events[7].(core.PacketEvent).Data)
	require.Equal(t, int16(0), offset)
}

func TestMatroskaMuxH264WaitsForDecoderConfig(t *testing.T) {
	m, sink := newTestMux(t)

	// Geometry and the configuration record come from the parser; until
	// they arrive keyframes cannot start the file.
	m.Push(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeH264}})
	m.Push(core.PacketEvent{Data: byteStream(idrSlice(0x01)), Keyframe: true, Marker: true})
	m.Push(core.CapsEvent{Caps: h264MuxCaps})
	m.Push(core.PacketEvent{Data: byteStream(idrSlice(0x02)), Keyframe: true, Marker: true})

	waitEvents(t, sink, 5)
	events := sink.snapshot()
	require.Len(t, events, 5)
	require.Equal(t, core.EventTypeCaps, events[0].EventType())
	require.Equal(t, core.EventTypeCaps, events[1].EventType())
	require.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, events[2].(core.PacketEvent).Data[:4])

	_, _, frame := parseSimpleBlock(t, events[4].(core.PacketEvent).Data)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x03, 0x65, 0x88, 0x02}, frame)
}

func TestMatroskaMuxVP8StoresFramesVerbatim(t *testing.T) {
	m, sink := newTestMux(t)
	key := vp8Keyframe(64, 48)

	m.Push(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeVP8}})
	m.Push(core.PacketEvent{Data: key, Keyframe: true, Marker: true})

	waitEvents(t, sink, 4)
	events := sink.snapshot()

	headers := events[1].(core.PacketEvent).Data
	require.Contains(t, string(headers), "V_VP8")
	require.True(t, bytes.Contains(headers, []byte{0xB0, 0x81, 0x40}))
	require.True(t, bytes.Contains(headers, []byte{0xBA, 0x81, 0x30}))

	_, isKey, frame := parseSimpleBlock(t, events[3].(core.PacketEvent).Data)
	require.True(t, isKey)
	require.Equal(t, key, frame)
}

func TestMatroskaMuxVP9GeometryFromKeyframe(t *testing.T) {
	m, sink := newTestMux(t)

	m.Push(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeVP9}})
	m.Push(core.PacketEvent{Data: vp9Keyframe(320, 240), Keyframe: true, Marker: true})

	waitEvents(t, sink, 4)
	headers := sink.snapshot()[1].(core.PacketEvent).Data
	require.Contains(t, string(headers), "V_VP9")
	require.True(t, bytes.Contains(headers, []byte{0xB0, 0x82, 0x01, 0x40}))
	require.True(t, bytes.Contains(headers, []byte{0xBA, 0x81, 0xF0}))
}

func TestMatroskaMuxAV1ConfigRecordFromSequenceHeader(t *testing.T) {
	m, sink := newTestMux(t)
	frameOnly := []byte{0x32, 0x02, 0xDE, 0xAD}

	m.Push(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeAV1}})
	// A keyframe without a sequence header cannot describe the track.
	m.Push(core.PacketEvent{Data: frameOnly, Keyframe: true, Marker: true})

	seq := av1SequenceOBU(64, 48)
	tu := append(append([]byte{}, seq...), frameOnly...)
	m.Push(core.PacketEvent{Data: tu, PTS: time.Second, Keyframe: true, Marker: true})

	waitEvents(t, sink, 4)
	events := sink.snapshot()
	require.Len(t, events, 4)

	headers := events[1].(core.PacketEvent).Data
	require.Contains(t, string(headers), "V_AV1")
	require.True(t, bytes.Contains(headers, append([]byte{0x81, 0x00, 0x0C, 0x00}, seq...)))
	require.True(t, bytes.Contains(headers, []byte{0xB0, 0x81, 0x40}))

	_, isKey, frame := parseSimpleBlock(t, events[3].(core.PacketEvent).Data)
	require.True(t, isKey)
	require.Equal(t, tu, frame)
}

func TestMatroskaMuxIgnoresMidStreamFormatChange(t *testing.T) {
	m, sink := newTestMux(t)

	m.Push(core.CapsEvent{Caps: h264MuxCaps})
	m.Push(core.PacketEvent{Data: byteStream(idrSlice(0x01)), Keyframe: true, Marker: true})
	waitEvents(t, sink, 4)

	m.Push(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeVP8}})
	m.Push(core.PacketEvent{Data: byteStream(pSlice(0x02)), PTS: 40 * time.Millisecond, Marker: true})

	waitEvents(t, sink, 5)
	events := sink.snapshot()
	require.Len(t, events, 5)
	require.Equal(t, core.EventTypePacket, events[4].EventType())
	require.Equal(t, byte(0xA3), events[4].(core.PacketEvent).Data[0])
}

func TestMatroskaMuxUnsupportedStreamFails(t *testing.T) {
	reports := newBusRecorder(t)
	m := NewMatroskaMux(MatroskaMuxConfig{Name: "mkvmux", Logger: zerolog.Nop(), Bus: reports.bus})
	sink := newRecordStage("sink")
	require.NoError(t, m.Link(sink))
	require.NoError(t, m.SetState(core.StatePlaying))
	t.Cleanup(func() { _ = m.SetState(core.StateNull) })

	m.Push(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeRaw, Width: 64, Height: 48}})
	m.Push(core.PacketEvent{Data: []byte{0x01}, Keyframe: true, Marker: true})

	require.Eventually(t, func() bool { return len(reports.errors()) > 0 }, 2*time.Second, 5*time.Millisecond)
	errs := reports.errors()
	require.Equal(t, "mkvmux", errs[0].Source)
	require.ErrorContains(t, errs[0].Err, "cannot mux")

	// The failure latches, so later keyframes stay dropped.
	m.Push(core.PacketEvent{Data: []byte{0x02}, Keyframe: true, Marker: true})
	m.Push(core.EOSEvent{})
	waitEvents(t, sink, 2)
	events := sink.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, core.EventTypeCaps, events[0].EventType())
	require.Equal(t, core.EventTypeEOS, events[1].EventType())
}

func TestLengthPrefixed(t *testing.T) {
	au := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x00, 0x01, 0x68, 0xCE}
	want := []byte{0x00, 0x00, 0x00, 0x02, 0x67, 0x42, 0x00, 0x00, 0x00, 0x02, 0x68, 0xCE}
	require.Equal(t, want, lengthPrefixed(au))
}

func TestEBMLEncodingPrimitives(t *testing.T) {
	require.Equal(t, []byte{0x80}, appendEBMLSize(nil, 0))
	require.Equal(t, []byte{0xFE}, appendEBMLSize(nil, 126))
	require.Equal(t, []byte{0x40, 0x7F}, appendEBMLSize(nil, 127))
	require.Equal(t, []byte{0x7F, 0xFE}, appendEBMLSize(nil, 16382))
	require.Equal(t, []byte{0x20, 0x3F, 0xFF}, appendEBMLSize(nil, 16383))

	require.Equal(t, []byte{0xE7, 0x81, 0x00}, appendEBMLUint(nil, mkvIDTimestamp, 0))
	require.Equal(t, []byte{0xE7, 0x81, 0xFF}, appendEBMLUint(nil, mkvIDTimestamp, 255))
	require.Equal(t, []byte{0xE7, 0x82, 0x01, 0x00}, appendEBMLUint(nil, mkvIDTimestamp, 256))
	require.Equal(t, []byte{0x2A, 0xD7, 0xB1, 0x83, 0x0F, 0x42, 0x40},
		appendEBMLUint(nil, mkvIDTimestampScale, 1000000))

	require.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, appendEBMLID(nil, mkvIDEBML))
	require.Equal(t, []byte{0x42, 0x86}, appendEBMLID(nil, mkvIDEBMLVersion))
	require.Equal(t, []byte{0xAE}, appendEBMLID(nil, mkvIDTrackEntry))
}
