package stages

import "errors"

var errBitstreamShort = errors.New("bitstream too short")

// bitReader reads big-endian bit fields and Exp-Golomb codes from an
// unescaped RBSP.
type bitReader struct {
	data []byte
	pos  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) readBit() (uint, error) {
	if r.pos >= len(r.data)*8 {
		return 0, errBitstreamShort
	}
	bit := uint(r.data[r.pos/8]>>(7-r.pos%8)) & 1
	r.pos++
	return bit, nil
}

func (r *bitReader) readBits(n int) (uint, error) {
	var v uint
	for i := 0; i < n; i++ {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | bit
	}
	return v, nil
}

func (r *bitReader) skipBits(n int) error {
	if r.pos+n > len(r.data)*8 {
		return errBitstreamShort
	}
	r.pos += n
	return nil
}

// readUE reads an unsigned Exp-Golomb code.
func (r *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		if bit == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errBitstreamShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	rest, err := r.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return 1<<zeros - 1 + rest, nil
}

// readSE reads a signed Exp-Golomb code.
func (r *bitReader) readSE() (int, error) {
	ue, err := r.readUE()
	if err != nil {
		return 0, err
	}
	if ue%2 == 1 {
		return int(ue+1) / 2, nil
	}
	return -int(ue / 2), nil
}
