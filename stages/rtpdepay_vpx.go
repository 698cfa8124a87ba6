package stages

import (
	"time"
)

// VP8, RFC 7741.
//
// The payload descriptor is stripped and frames accumulate until the RTP
// marker closes them. A frame starting with S set and partition index
// zero whose first payload bit is clear is a keyframe.
func (d *RTPDepay) depayVP8(payload []byte, pts time.Duration, marker bool) {
	if len(payload) < 1 {
		return
	}
	b0 := payload[0]
	extended := b0&0x80 != 0
	frameStart := b0&0x10 != 0
	partition := b0 & 0x07
	off := 1

	if extended {
		if len(payload) < 2 {
			return
		}
		x := payload[1]
		off = 2
		if x&0x80 != 0 { // PictureID
			if off >= len(payload) {
				return
			}
			if payload[off]&0x80 != 0 {
				off += 2
			} else {
				off++
			}
		}
		if x&0x40 != 0 { // TL0PICIDX
			off++
		}
		if x&0x30 != 0 { // TID/KEYIDX
			off++
		}
	}
	if off > len(payload) {
		return
	}
	data := payload[off:]

	if frameStart && partition == 0 {
		d.frame = d.frame[:0]
		d.frameOpen = true
		d.framePTS = pts
		d.frameKey = len(data) > 0 && data[0]&0x01 == 0
	} else if !d.frameOpen {
		// Mid-frame packet with no start seen, skip until the next frame.
		return
	}
	d.frame = append(d.frame, data...)
	if marker {
		d.emitFrame(d.framePTS)
	}
}

// VP9, draft-ietf-payload-vp9.
func (d *RTPDepay) depayVP9(payload []byte, pts time.Duration, marker bool) {
	if len(payload) < 1 {
		return
	}
	b0 := payload[0]
	hasPictureID := b0&0x80 != 0
	interPicture := b0&0x40 != 0
	hasLayerIdx := b0&0x20 != 0
	flexible := b0&0x10 != 0
	frameStart := b0&0x08 != 0
	hasSS := b0&0x02 != 0
	off := 1

	if hasPictureID {
		if off >= len(payload) {
			return
		}
		if payload[off]&0x80 != 0 {
			off += 2
		} else {
			off++
		}
	}
	if hasLayerIdx {
		off++
		if !flexible {
			off++ // TL0PICIDX
		}
	}
	if flexible && interPicture {
		// Up to three reference indices, each with a continuation bit.
		for i := 0; i < 3; i++ {
			if off >= len(payload) {
				return
			}
			more := payload[off]&0x01 != 0
			off++
			if !more {
				break
			}
		}
	}
	if hasSS {
		if off >= len(payload) {
			return
		}
		ss := payload[off]
		off++
		numSpatial := int(ss>>5) + 1
		if ss&0x10 != 0 { // Y: resolutions
			off += 4 * numSpatial
		}
		if ss&0x08 != 0 { // G: picture group
			if off >= len(payload) {
				return
			}
			numGroups := int(payload[off])
			off++
			for i := 0; i < numGroups; i++ {
				if off >= len(payload) {
					return
				}
				refs := int(payload[off]>>2) & 0x03
				off += 1 + refs
			}
		}
	}
	if off > len(payload) {
		return
	}
	data := payload[off:]

	if frameStart {
		d.frame = d.frame[:0]
		d.frameOpen = true
		d.framePTS = pts
		d.frameKey = !interPicture
	} else if !d.frameOpen {
		return
	}
	d.frame = append(d.frame, data...)
	if marker {
		d.emitFrame(d.framePTS)
	}
}

// AV1, per the AV1 RTP payload format. Each packet carries an aggregation
// header followed by OBU elements; OBUs arrive without size fields and
// get them back on the way out so decoders can consume the result as a
// plain low-overhead bitstream.
func (d *RTPDepay) depayAV1(payload []byte, pts time.Duration, marker bool) {
	if len(payload) < 1 {
		return
	}
	agg := payload[0]
	contFirst := agg&0x80 != 0 // Z: first element continues a previous OBU
	contLast := agg&0x40 != 0  // Y: last element continues in the next packet
	numElems := int(agg>>4) & 0x03
	newSequence := agg&0x08 != 0
	off := 1

	if len(d.frame) == 0 && d.obuFrag == nil {
		d.framePTS = pts
		d.frameKey = newSequence
	}
	if !contFirst && d.obuFrag != nil {
		// The continuation never arrived, drop the partial OBU.
		d.obuFrag = nil
	}

	var elems [][]byte
	if numElems == 0 {
		// Every element carries a length prefix.
		for off < len(payload) {
			size, n := readLEB128(payload[off:])
			if n == 0 || off+n+int(size) > len(payload) {
				d.Logger().Debug().Msg("malformed aggregation packet")
				return
			}
			off += n
			elems = append(elems, payload[off:off+int(size)])
			off += int(size)
		}
	} else {
		for i := 0; i < numElems; i++ {
			if i == numElems-1 {
				elems = append(elems, payload[off:])
				break
			}
			size, n := readLEB128(payload[off:])
			if n == 0 || off+n+int(size) > len(payload) {
				d.Logger().Debug().Msg("malformed aggregation packet")
				return
			}
			off += n
			elems = append(elems, payload[off:off+int(size)])
			off += int(size)
		}
	}

	for i, elem := range elems {
		first := i == 0
		last := i == len(elems)-1
		switch {
		case first && contFirst:
			if d.obuFrag == nil {
				continue
			}
			d.obuFrag = append(d.obuFrag, elem...)
			if !(last && contLast) {
				d.appendOBU(d.obuFrag)
				d.obuFrag = nil
			}
		case last && contLast:
			d.obuFrag = append(d.obuFrag[:0], elem...)
		default:
			d.appendOBU(elem)
		}
	}

	if marker {
		d.obuFrag = nil
		d.emitFrame(d.framePTS)
	}
}

// appendOBU rewrites one OBU into the frame buffer with its size field
// set.
func (d *RTPDepay) appendOBU(obu []byte) {
	if len(obu) < 1 {
		return
	}
	header := obu[0]
	headerLen := 1
	if header&0x04 != 0 { // extension flag
		if len(obu) < 2 {
			return
		}
		headerLen = 2
	}
	if header&0x02 != 0 {
		// Size field already present, pass through untouched.
		d.frame = append(d.frame, obu...)
		return
	}
	payload := obu[headerLen:]
	d.frame = append(d.frame, header|0x02)
	if headerLen == 2 {
		d.frame = append(d.frame, obu[1])
	}
	d.frame = appendLEB128(d.frame, uint64(len(payload)))
	d.frame = append(d.frame, payload...)
}

// readLEB128 decodes an unsigned little-endian base-128 value, returning
// the value and the number of bytes consumed. A zero count means the
// input was truncated.
func readLEB128(data []byte) (uint64, int) {
	var value uint64
	for i := 0; i < len(data) && i < 8; i++ {
		value |= uint64(data[i]&0x7F) << (7 * i)
		if data[i]&0x80 == 0 {
			return value, i + 1
		}
	}
	return 0, 0
}

// appendLEB128 encodes an unsigned little-endian base-128 value.
func appendLEB128(dst []byte, value uint64) []byte {
	for {
		b := byte(value & 0x7F)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if value == 0 {
			return dst
		}
	}
}
