package stages

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/providers"
)

// rtpDatagram builds an RTP packet with the given timestamp, marker bit
// and payload.
func rtpDatagram(ts uint32, marker bool, payload ...byte) core.PacketEvent {
	data := make([]byte, rtpHeaderSize, rtpHeaderSize+len(payload))
	data[0] = 0x80
	data[1] = 96
	if marker {
		data[1] |= 0x80
	}
	binary.BigEndian.PutUint32(data[4:8], ts)
	return core.PacketEvent{Data: append(data, payload...)}
}

// packetEvents extracts the packet events, in order.
func packetEvents(events []core.Event) []core.PacketEvent {
	var out []core.PacketEvent
	for _, ev := range events {
		if p, ok := ev.(core.PacketEvent); ok {
			out = append(out, p)
		}
	}
	return out
}

func newTestDepay(t *testing.T, codec providers.Codec) (*RTPDepay, *recordStage) {
	t.Helper()
	d := NewRTPDepay(RTPDepayConfig{
		Name:   "rtpdepay",
		Logger: zerolog.Nop(),
		Codec:  codec,
	})
	sink := newRecordStage("sink")
	require.NoError(t, d.Link(sink))
	require.NoError(t, d.SetState(core.StatePlaying))
	t.Cleanup(func() { _ = d.SetState(core.StateNull) })
	return d, sink
}

func TestRTPDepayH264SingleNALUnit(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	d.Push(core.CapsEvent{Caps: core.Caps{
		MediaType:    core.MediaTypeRTP,
		EncodingName: "H264",
		ClockRate:    90000,
	}})
	d.Push(rtpDatagram(0, true, 0x65, 0xAA, 0xBB))

	waitEvents(t, sink, 2)
	events := sink.snapshot()
	require.Equal(t, core.Caps{MediaType: core.MediaTypeH264}, events[0].(core.CapsEvent).Caps)

	packets := packetEvents(events)
	require.Len(t, packets, 1)
	require.Equal(t, append(append([]byte{}, startCode...), 0x65, 0xAA, 0xBB), packets[0].Data)
	require.True(t, packets[0].Marker)
	require.Zero(t, packets[0].PTS)
}

func TestRTPDepayH264AggregationPacket(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	// STAP-A carrying an SPS and a PPS.
	d.Push(rtpDatagram(0, true,
		24,
		0x00, 0x02, 0x67, 0x42,
		0x00, 0x02, 0x68, 0xCE,
	))

	waitEvents(t, sink, 2)
	packets := packetEvents(sink.snapshot())
	require.Len(t, packets, 2)
	require.Equal(t, append(append([]byte{}, startCode...), 0x67, 0x42), packets[0].Data)
	require.False(t, packets[0].Marker)
	require.Equal(t, append(append([]byte{}, startCode...), 0x68, 0xCE), packets[1].Data)
	require.True(t, packets[1].Marker)
}

func TestRTPDepayH264FragmentationUnits(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	// An IDR slice split across three FU-A fragments.
	d.Push(rtpDatagram(0, false, 0x7C, 0x85, 0xAA, 0xBB))
	d.Push(rtpDatagram(0, false, 0x7C, 0x05, 0xCC))
	d.Push(rtpDatagram(0, true, 0x7C, 0x45, 0xDD))

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Len(t, packets, 1)
	require.Equal(t, append(append([]byte{}, startCode...), 0x65, 0xAA, 0xBB, 0xCC, 0xDD), packets[0].Data)
	require.True(t, packets[0].Marker)
}

func TestRTPDepayH264IgnoresOrphanFragments(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	// Middle and end fragments with the start lost upstream.
	d.Push(rtpDatagram(0, false, 0x7C, 0x05, 0xCC))
	d.Push(rtpDatagram(0, true, 0x7C, 0x45, 0xDD))
	d.Push(rtpDatagram(100, true, 0x41, 0x9A))

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Len(t, packets, 1)
	require.Equal(t, append(append([]byte{}, startCode...), 0x41, 0x9A), packets[0].Data)
}

func TestRTPDepayEOSResetsReassembly(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	// Start fragment, then the stream ends mid-unit.
	d.Push(rtpDatagram(0, false, 0x7C, 0x85, 0xAA))
	d.Push(core.EOSEvent{})
	// The trailing end fragment must not resurrect the dropped unit.
	d.Push(rtpDatagram(0, true, 0x7C, 0x45, 0xBB))
	d.Push(rtpDatagram(0, true, 0x41, 0x9A))

	waitEvents(t, sink, 2)
	events := sink.snapshot()
	require.Equal(t, core.EventTypeEOS, events[0].EventType())
	packets := packetEvents(events)
	require.Len(t, packets, 1)
	require.Equal(t, append(append([]byte{}, startCode...), 0x41, 0x9A), packets[0].Data)
}

func TestRTPDepayPTSFollowsRTPClock(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	// Anchor just below the 32-bit wrap so the third packet crosses it.
	base := uint32(0xFFFFFFFF - 8999)
	d.Push(rtpDatagram(base, true, 0x41, 0x01))
	d.Push(rtpDatagram(base+9000, true, 0x41, 0x02))
	d.Push(rtpDatagram(base+18000, true, 0x41, 0x03))

	waitEvents(t, sink, 3)
	packets := packetEvents(sink.snapshot())
	require.Equal(t, time.Duration(0), packets[0].PTS)
	require.Equal(t, 100*time.Millisecond, packets[1].PTS)
	require.Equal(t, 200*time.Millisecond, packets[2].PTS)
}

func TestRTPDepayDropsNonRTPDatagrams(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	d.Push(core.PacketEvent{Data: []byte{0x80, 96}})
	d.Push(core.PacketEvent{Data: []byte{
		0x40, 96, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0x65, 0xAA,
	}})
	d.Push(core.EOSEvent{})

	waitEvents(t, sink, 1)
	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, core.EventTypeEOS, events[0].EventType())
}

func TestRTPDepaySkipsCSRCAndPadding(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	// Version 2, padding set, two CSRC entries, two pad bytes.
	data := []byte{
		0xA2, 96, 0, 1,
		0, 0, 0, 0,
		0, 0, 0, 0,
		1, 1, 1, 1, 2, 2, 2, 2,
		0x41, 0x9A, 0x77,
		0x00, 0x02,
	}
	d.Push(core.PacketEvent{Data: data})

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Equal(t, append(append([]byte{}, startCode...), 0x41, 0x9A, 0x77), packets[0].Data)
}

func TestRTPDepaySkipsHeaderExtension(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH264)

	data := []byte{
		0x90, 96, 0, 1,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0xBE, 0xDE, 0x00, 0x01,
		9, 9, 9, 9,
		0x41, 0x9A,
	}
	d.Push(core.PacketEvent{Data: data})

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Equal(t, append(append([]byte{}, startCode...), 0x41, 0x9A), packets[0].Data)
}

func TestRTPDepayH265FragmentationUnits(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecH265)

	// An IDR_W_RADL slice (type 19) split across two fragments. The FU
	// payload header carries type 49.
	d.Push(rtpDatagram(0, false, 0x62, 0x01, 0x93, 0xAA))
	d.Push(rtpDatagram(0, true, 0x62, 0x01, 0x53, 0xBB))

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Len(t, packets, 1)
	require.Equal(t, append(append([]byte{}, startCode...), 0x26, 0x01, 0xAA, 0xBB), packets[0].Data)
	require.True(t, packets[0].Marker)
}

func TestRTPDepayVP8Frames(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecVP8)

	// Keyframe split across two packets; the marker closes it.
	d.Push(rtpDatagram(0, false, 0x10, 0x50, 0xAA))
	d.Push(rtpDatagram(0, true, 0x00, 0xBB, 0xCC))
	// Inter frame in one packet, first payload bit set.
	d.Push(rtpDatagram(3000, true, 0x10, 0x51, 0xDD))

	waitEvents(t, sink, 2)
	packets := packetEvents(sink.snapshot())
	require.Len(t, packets, 2)
	require.Equal(t, []byte{0x50, 0xAA, 0xBB, 0xCC}, packets[0].Data)
	require.True(t, packets[0].Keyframe)
	require.True(t, packets[0].Marker)
	require.Equal(t, []byte{0x51, 0xDD}, packets[1].Data)
	require.False(t, packets[1].Keyframe)
}

func TestRTPDepayVP8StripsExtendedDescriptor(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecVP8)

	// X and S set, 15-bit picture ID.
	d.Push(rtpDatagram(0, true, 0x90, 0x80, 0x81, 0x23, 0x50, 0xAA))

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Equal(t, []byte{0x50, 0xAA}, packets[0].Data)
	require.True(t, packets[0].Keyframe)
}

func TestRTPDepayVP8SkipsMidFrameWithoutStart(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecVP8)

	// Continuation with no frame open, then a clean keyframe.
	d.Push(rtpDatagram(0, true, 0x00, 0xAA))
	d.Push(rtpDatagram(3000, true, 0x10, 0x50, 0xBB))

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Len(t, packets, 1)
	require.Equal(t, []byte{0x50, 0xBB}, packets[0].Data)
}

func TestRTPDepayVP9Frames(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecVP9)

	// Keyframe with a 7-bit picture ID in the descriptor.
	d.Push(rtpDatagram(0, true, 0x88, 0x7F, 0xAA, 0xBB))
	// Inter picture.
	d.Push(rtpDatagram(3000, true, 0x48, 0xCC))

	waitEvents(t, sink, 2)
	packets := packetEvents(sink.snapshot())
	require.Equal(t, []byte{0xAA, 0xBB}, packets[0].Data)
	require.True(t, packets[0].Keyframe)
	require.Equal(t, []byte{0xCC}, packets[1].Data)
	require.False(t, packets[1].Keyframe)
}

func TestRTPDepayAV1RestoresOBUSizes(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecAV1)

	// One element, new coded sequence, OBU_FRAME without a size field.
	d.Push(rtpDatagram(0, true, 0x18, 0x30, 0xDE, 0xAD))

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Len(t, packets, 1)
	require.Equal(t, []byte{0x32, 0x02, 0xDE, 0xAD}, packets[0].Data)
	require.True(t, packets[0].Keyframe)
}

func TestRTPDepayAV1ReassemblesFragmentedOBU(t *testing.T) {
	d, sink := newTestDepay(t, providers.CodecAV1)

	// The OBU continues in the second packet: Y set on the first, Z on
	// the second.
	d.Push(rtpDatagram(0, false, 0x50, 0x30, 0xDE))
	d.Push(rtpDatagram(0, true, 0x90, 0xAD))

	waitEvents(t, sink, 1)
	packets := packetEvents(sink.snapshot())
	require.Len(t, packets, 1)
	require.Equal(t, []byte{0x32, 0x02, 0xDE, 0xAD}, packets[0].Data)
	require.False(t, packets[0].Keyframe)
}
