package stages

import (
	"encoding/binary"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/providers"
)

const rtpHeaderSize = 12

// RTPDepay strips RTP framing and reassembles codec units. For H.264 and
// H.265 it emits byte-stream NAL units for the parser downstream; for
// VP8, VP9 and AV1 it reassembles whole frames, since those codecs skip
// the parser. Presentation timestamps derive from the RTP clock,
// anchored at the first packet.
type RTPDepay struct {
	*core.Base

	codec     providers.Codec
	clockRate int

	// Timestamp unwrapping state.
	havePrev bool
	prevTS   uint32
	extTS    int64

	// H.26x fragmentation unit reassembly.
	fu []byte

	// Frame accumulation for the non-parsed codecs.
	frame     []byte
	frameOpen bool
	frameKey  bool
	framePTS  time.Duration
	// obuFrag holds an OBU fragment continued across AV1 packets.
	obuFrag []byte

	warnedPacketization bool
}

// RTPDepayConfig configures a depayloader
type RTPDepayConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// Codec selects the depacketization rules.
	Codec providers.Codec

	// ClockRate is the RTP clock in Hz. Defaults to 90000, the video rate.
	ClockRate int
}

// NewRTPDepay creates a depayloader for the given codec.
func NewRTPDepay(cfg RTPDepayConfig) *RTPDepay {
	if cfg.ClockRate <= 0 {
		cfg.ClockRate = 90000
	}
	d := &RTPDepay{
		codec:     cfg.Codec,
		clockRate: cfg.ClockRate,
	}
	d.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     d,
		InputTypes:  []core.MediaType{core.MediaTypeRTP},
		OutputTypes: []core.MediaType{cfg.Codec.MediaType()},
		InboxSize:   64,
	})
	return d
}

// HandleEvent translates RTP caps, depacketizes data and resets on
// end-of-stream.
func (d *RTPDepay) HandleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.CapsEvent:
		if e.Caps.EncodingName != "" && e.Caps.EncodingName != d.codec.EncodingName() {
			d.Logger().Warn().
				Str("announced", e.Caps.EncodingName).
				Str("configured", d.codec.EncodingName()).
				Msg("stream encoding does not match configured codec")
		}
		d.Send(core.CapsEvent{Caps: core.Caps{MediaType: d.codec.MediaType()}})
	case core.PacketEvent:
		d.depacketize(e)
	case core.EOSEvent:
		d.fu = nil
		d.frame = nil
		d.frameOpen = false
		d.obuFrag = nil
		d.Send(e)
	default:
		d.Send(ev)
	}
}

func (d *RTPDepay) depacketize(e core.PacketEvent) {
	payload, marker, ts, ok := d.parseRTP(e.Data)
	if !ok || len(payload) == 0 {
		return
	}
	pts := d.unwrapPTS(ts)

	switch d.codec {
	case providers.CodecH264:
		d.depayH264(payload, pts, marker)
	case providers.CodecH265:
		d.depayH265(payload, pts, marker)
	case providers.CodecVP8:
		d.depayVP8(payload, pts, marker)
	case providers.CodecVP9:
		d.depayVP9(payload, pts, marker)
	case providers.CodecAV1:
		d.depayAV1(payload, pts, marker)
	}
}

// parseRTP validates the fixed header and returns the payload with the
// marker bit and timestamp.
func (d *RTPDepay) parseRTP(data []byte) (payload []byte, marker bool, ts uint32, ok bool) {
	if len(data) < rtpHeaderSize {
		d.Logger().Debug().Int("len", len(data)).Msg("runt datagram dropped")
		return nil, false, 0, false
	}
	version := data[0] >> 6
	if version != 2 {
		d.Logger().Debug().Uint8("version", version).Msg("non-RTP datagram dropped")
		return nil, false, 0, false
	}

	padding := data[0]&0x20 != 0
	extension := data[0]&0x10 != 0
	csrcCount := int(data[0] & 0x0F)
	marker = data[1]&0x80 != 0
	ts = binary.BigEndian.Uint32(data[4:8])

	offset := rtpHeaderSize + 4*csrcCount
	if extension {
		if len(data) < offset+4 {
			return nil, false, 0, false
		}
		extWords := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4 + 4*extWords
	}
	end := len(data)
	if padding && end > offset {
		padLen := int(data[end-1])
		if padLen == 0 || end-padLen < offset {
			return nil, false, 0, false
		}
		end -= padLen
	}
	if offset > end {
		return nil, false, 0, false
	}
	return data[offset:end], marker, ts, true
}

// unwrapPTS turns the 32-bit RTP clock into a monotonic duration from the
// first packet.
func (d *RTPDepay) unwrapPTS(ts uint32) time.Duration {
	if !d.havePrev {
		d.havePrev = true
		d.prevTS = ts
		d.extTS = 0
	} else {
		d.extTS += int64(int32(ts - d.prevTS))
		d.prevTS = ts
	}
	return time.Duration(d.extTS) * time.Second / time.Duration(d.clockRate)
}

// H.264, RFC 6184.

func (d *RTPDepay) depayH264(payload []byte, pts time.Duration, marker bool) {
	nalType := payload[0] & 0x1F
	switch {
	case nalType >= 1 && nalType <= 23:
		d.emitNALU(payload, pts, marker)

	case nalType == 24: // STAP-A
		var units [][]byte
		off := 1
		for off+2 <= len(payload) {
			size := int(binary.BigEndian.Uint16(payload[off:]))
			off += 2
			if size == 0 || off+size > len(payload) {
				d.Logger().Debug().Msg("malformed aggregation packet")
				break
			}
			units = append(units, payload[off:off+size])
			off += size
		}
		for i, unit := range units {
			d.emitNALU(unit, pts, marker && i == len(units)-1)
		}

	case nalType == 28: // FU-A
		if len(payload) < 2 {
			return
		}
		fuHeader := payload[1]
		start := fuHeader&0x80 != 0
		end := fuHeader&0x40 != 0
		if start {
			nalHeader := (payload[0] & 0xE0) | (fuHeader & 0x1F)
			d.fu = append(d.fu[:0], nalHeader)
		} else if d.fu == nil {
			// Missed the start fragment, wait for the next unit.
			return
		}
		d.fu = append(d.fu, payload[2:]...)
		if end {
			d.emitNALU(d.fu, pts, marker)
			d.fu = nil
		}

	default:
		d.warnPacketization(nalType)
	}
}

// H.265, RFC 7798.

func (d *RTPDepay) depayH265(payload []byte, pts time.Duration, marker bool) {
	if len(payload) < 2 {
		return
	}
	nalType := (payload[0] >> 1) & 0x3F
	switch {
	case nalType < 48:
		d.emitNALU(payload, pts, marker)

	case nalType == 48: // aggregation packet
		var units [][]byte
		off := 2
		for off+2 <= len(payload) {
			size := int(binary.BigEndian.Uint16(payload[off:]))
			off += 2
			if size == 0 || off+size > len(payload) {
				d.Logger().Debug().Msg("malformed aggregation packet")
				break
			}
			units = append(units, payload[off:off+size])
			off += size
		}
		for i, unit := range units {
			d.emitNALU(unit, pts, marker && i == len(units)-1)
		}

	case nalType == 49: // fragmentation unit
		if len(payload) < 3 {
			return
		}
		fuHeader := payload[2]
		start := fuHeader&0x80 != 0
		end := fuHeader&0x40 != 0
		fuType := fuHeader & 0x3F
		if start {
			b0 := (payload[0] & 0x81) | (fuType << 1)
			d.fu = append(d.fu[:0], b0, payload[1])
		} else if d.fu == nil {
			return
		}
		d.fu = append(d.fu, payload[3:]...)
		if end {
			d.emitNALU(d.fu, pts, marker)
			d.fu = nil
		}

	default:
		d.warnPacketization(nalType)
	}
}

// emitNALU sends one NAL unit downstream in byte-stream form.
func (d *RTPDepay) emitNALU(nalu []byte, pts time.Duration, marker bool) {
	data := make([]byte, 0, len(startCode)+len(nalu))
	data = append(data, startCode...)
	data = append(data, nalu...)
	d.Send(core.PacketEvent{Data: data, PTS: pts, Marker: marker})
}

// emitFrame sends an accumulated whole frame downstream.
func (d *RTPDepay) emitFrame(pts time.Duration) {
	d.frameOpen = false
	if len(d.frame) == 0 {
		return
	}
	data := make([]byte, len(d.frame))
	copy(data, d.frame)
	d.Send(core.PacketEvent{Data: data, PTS: pts, Keyframe: d.frameKey, Marker: true})
	d.frame = d.frame[:0]
	d.frameKey = false
}

func (d *RTPDepay) warnPacketization(nalType byte) {
	if d.warnedPacketization {
		return
	}
	d.warnedPacketization = true
	d.Logger().Warn().Uint8("type", nalType).Msg("unsupported packetization mode, packets ignored")
	if d.Bus() != nil {
		d.Bus().PostWarning(d.Name(), "unsupported RTP packetization mode")
	}
}
