package stages

// Annex-B byte-stream helpers shared by the H.26x parsers and the
// depayloader.

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// splitNALUs splits an Annex-B byte stream into NAL unit payloads with
// start codes removed. Trailing zero padding before the next start code
// is stripped.
func splitNALUs(data []byte) [][]byte {
	var nalus [][]byte
	prev := -1
	for i := 0; i+3 <= len(data); i++ {
		if data[i] == 0x00 && data[i+1] == 0x00 && data[i+2] == 0x01 {
			if prev >= 0 {
				nalus = appendNALU(nalus, data[prev:i])
			}
			i += 2
			prev = i + 1
		}
	}
	if prev >= 0 {
		nalus = appendNALU(nalus, data[prev:])
	}
	return nalus
}

func appendNALU(nalus [][]byte, nalu []byte) [][]byte {
	for len(nalu) > 0 && nalu[len(nalu)-1] == 0x00 {
		nalu = nalu[:len(nalu)-1]
	}
	if len(nalu) == 0 {
		return nalus
	}
	return append(nalus, nalu)
}

// parsePendingLimit caps buffered input while hunting for a start code.
const parsePendingLimit = 2 << 20

// streamAssembler buffers byte-stream input until start codes delimit
// complete NAL units.
type streamAssembler struct {
	buf     []byte
	dropped func(bytes int)
}

// push appends data and returns the units it completes, each an owned
// copy. With marker set the buffered tail is complete too; without it
// the tail is held until the next start code arrives.
func (a *streamAssembler) push(data []byte, marker bool) [][]byte {
	a.buf = append(a.buf, data...)
	complete := a.buf
	if !marker {
		tail := lastStartCode(a.buf)
		if tail < 0 {
			if len(a.buf) > parsePendingLimit {
				if a.dropped != nil {
					a.dropped(len(a.buf))
				}
				a.buf = a.buf[:0]
			}
			return nil
		}
		complete = a.buf[:tail]
	}
	nalus := cloneNALUs(splitNALUs(complete))
	if marker {
		a.buf = a.buf[:0]
	} else {
		remainder := a.buf[len(complete):]
		a.buf = append(a.buf[:0], remainder...)
	}
	return nalus
}

// flush returns whatever complete units remain and clears the buffer.
func (a *streamAssembler) flush() [][]byte {
	nalus := cloneNALUs(splitNALUs(a.buf))
	a.buf = a.buf[:0]
	return nalus
}

// cloneNALUs copies units out of the shared assembly buffer.
func cloneNALUs(nalus [][]byte) [][]byte {
	for i, nalu := range nalus {
		nalus[i] = cloneBytes(nalu)
	}
	return nalus
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// lastStartCode returns the index of the final start code in data, or -1.
func lastStartCode(data []byte) int {
	for i := len(data) - 3; i >= 0; i-- {
		if data[i] == 0x00 && data[i+1] == 0x00 && data[i+2] == 0x01 {
			if i > 0 && data[i-1] == 0x00 {
				return i - 1
			}
			return i
		}
	}
	return -1
}

// unescapeRBSP removes emulation prevention bytes (00 00 03 becomes
// 00 00) so parameter sets can be bit-parsed.
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for i := 0; i < len(data); i++ {
		if zeros >= 2 && data[i] == 0x03 && i+1 < len(data) && data[i+1] <= 0x03 {
			zeros = 0
			continue
		}
		if data[i] == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, data[i])
	}
	return out
}
