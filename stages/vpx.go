package stages

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Geometry extraction for the codecs that skip the bitstream parsers.
// The decoder needs frame dimensions before it can spawn its conversion
// process, and VP8, VP9 and AV1 carry them in their keyframe headers.

// parseVP8Keyframe reads dimensions from a VP8 keyframe.
func parseVP8Keyframe(data []byte) (int, int, error) {
	if len(data) < 10 {
		return 0, 0, fmt.Errorf("vp8 keyframe too short")
	}
	if data[0]&0x01 != 0 {
		return 0, 0, fmt.Errorf("not a vp8 keyframe")
	}
	if data[3] != 0x9D || data[4] != 0x01 || data[5] != 0x2A {
		return 0, 0, fmt.Errorf("vp8 start code missing")
	}
	width := int(binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF)
	height := int(binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF)
	if width == 0 || height == 0 {
		return 0, 0, fmt.Errorf("vp8 keyframe with zero geometry")
	}
	return width, height, nil
}

// parseVP9Keyframe reads dimensions from a VP9 keyframe's uncompressed
// header.
func parseVP9Keyframe(data []byte) (int, int, error) {
	br := newBitReader(data)
	marker, err := br.readBits(2)
	if err != nil || marker != 2 {
		return 0, 0, fmt.Errorf("vp9 frame marker missing")
	}
	low, err := br.readBit()
	if err != nil {
		return 0, 0, err
	}
	high, err := br.readBit()
	if err != nil {
		return 0, 0, err
	}
	profile := high<<1 | low
	if profile == 3 {
		if err := br.skipBits(1); err != nil {
			return 0, 0, err
		}
	}
	showExisting, err := br.readBit()
	if err != nil {
		return 0, 0, err
	}
	if showExisting == 1 {
		return 0, 0, fmt.Errorf("vp9 show-existing frame")
	}
	frameType, err := br.readBit()
	if err != nil {
		return 0, 0, err
	}
	if frameType != 0 {
		return 0, 0, fmt.Errorf("not a vp9 keyframe")
	}
	if err := br.skipBits(2); err != nil { // show_frame, error_resilient
		return 0, 0, err
	}
	sync, err := br.readBits(24)
	if err != nil || sync != 0x498342 {
		return 0, 0, fmt.Errorf("vp9 sync code missing")
	}
	// color_config
	if profile >= 2 {
		if err := br.skipBits(1); err != nil { // ten_or_twelve_bit
			return 0, 0, err
		}
	}
	colorSpace, err := br.readBits(3)
	if err != nil {
		return 0, 0, err
	}
	if colorSpace != 7 {
		if err := br.skipBits(1); err != nil { // color_range
			return 0, 0, err
		}
		if profile == 1 || profile == 3 {
			if err := br.skipBits(3); err != nil { // subsampling x/y, reserved
				return 0, 0, err
			}
		}
	} else if profile == 1 || profile == 3 {
		if err := br.skipBits(1); err != nil {
			return 0, 0, err
		}
	}
	widthM1, err := br.readBits(16)
	if err != nil {
		return 0, 0, err
	}
	heightM1, err := br.readBits(16)
	if err != nil {
		return 0, 0, err
	}
	return int(widthM1) + 1, int(heightM1) + 1, nil
}

// vp9IsKeyframe peeks at the frame type without a full header parse.
func vp9IsKeyframe(data []byte) bool {
	br := newBitReader(data)
	marker, err := br.readBits(2)
	if err != nil || marker != 2 {
		return false
	}
	low, _ := br.readBit()
	high, err := br.readBit()
	if err != nil {
		return false
	}
	if high<<1|low == 3 {
		if br.skipBits(1) != nil {
			return false
		}
	}
	showExisting, err := br.readBit()
	if err != nil || showExisting == 1 {
		return false
	}
	frameType, err := br.readBit()
	return err == nil && frameType == 0
}

// av1SeqInfo is the subset of an AV1 sequence header the pipeline
// needs.
type av1SeqInfo struct {
	profile uint
	level   uint
	tier    uint
	width   int
	height  int
}

// findAV1SequenceHeader walks the OBUs of a temporal unit (size fields
// present) until it finds the sequence header, returning the parsed
// info and the raw OBU bytes.
func findAV1SequenceHeader(data []byte) (av1SeqInfo, []byte, error) {
	for len(data) > 0 {
		header := data[0]
		obuType := (header >> 3) & 0x0F
		headerLen := 1
		if header&0x04 != 0 {
			headerLen = 2
		}
		if header&0x02 == 0 {
			return av1SeqInfo{}, nil, fmt.Errorf("av1 obu without size field")
		}
		if len(data) < headerLen+1 {
			return av1SeqInfo{}, nil, fmt.Errorf("av1 obu truncated")
		}
		size, n := readLEB128(data[headerLen:])
		if n == 0 || len(data) < headerLen+n+int(size) {
			return av1SeqInfo{}, nil, fmt.Errorf("av1 obu truncated")
		}
		end := headerLen + n + int(size)
		if obuType == 1 { // sequence header
			info, err := parseAV1SequenceHeader(data[headerLen+n : end])
			return info, data[:end], err
		}
		data = data[end:]
	}
	return av1SeqInfo{}, nil, fmt.Errorf("av1 sequence header not found")
}

// parseAV1Keyframe reads the maximum frame dimensions from a temporal
// unit's sequence header.
func parseAV1Keyframe(data []byte) (int, int, error) {
	info, _, err := findAV1SequenceHeader(data)
	if err != nil {
		return 0, 0, err
	}
	return info.width, info.height, nil
}

// av1HasSequenceHeader reports whether the temporal unit carries a
// sequence header, the encoder's keyframe signal.
func av1HasSequenceHeader(data []byte) bool {
	_, _, err := findAV1SequenceHeader(data)
	return err == nil
}

// av1ConfigRecord builds the codec configuration record players expect
// alongside AV1 tracks: a four-byte prefix and the sequence header OBU.
// The chroma fields assume 8-bit 4:2:0, the only layout these pipes
// carry.
func av1ConfigRecord(data []byte) ([]byte, error) {
	info, obu, err := findAV1SequenceHeader(data)
	if err != nil {
		return nil, err
	}
	rec := make([]byte, 0, 4+len(obu))
	rec = append(rec,
		0x81,
		byte(info.profile<<5|info.level&0x1F),
		byte(info.tier<<7|0x0C),
		0x00,
	)
	return append(rec, obu...), nil
}

func parseAV1SequenceHeader(payload []byte) (av1SeqInfo, error) {
	var info av1SeqInfo
	br := newBitReader(payload)

	profile, err := br.readBits(3)
	if err != nil {
		return info, err
	}
	info.profile = profile
	if err := br.skipBits(1); err != nil { // still_picture
		return info, err
	}
	reduced, err := br.readBit()
	if err != nil {
		return info, err
	}
	if reduced == 1 {
		if info.level, err = br.readBits(5); err != nil {
			return info, err
		}
	} else {
		timingPresent, err := br.readBit()
		if err != nil {
			return info, err
		}
		decoderModelPresent := uint(0)
		bufferDelayBits := 0
		if timingPresent == 1 {
			if err := br.skipBits(64); err != nil { // display tick, time scale
				return info, err
			}
			equalInterval, err := br.readBit()
			if err != nil {
				return info, err
			}
			if equalInterval == 1 {
				if _, err := br.readUE(); err != nil { // ticks per picture
					return info, err
				}
			}
			if decoderModelPresent, err = br.readBit(); err != nil {
				return info, err
			}
			if decoderModelPresent == 1 {
				delayLen, err := br.readBits(5)
				if err != nil {
					return info, err
				}
				bufferDelayBits = int(delayLen) + 1
				if err := br.skipBits(32 + 5 + 5); err != nil {
					return info, err
				}
			}
		}
		displayDelayPresent, err := br.readBit()
		if err != nil {
			return info, err
		}
		opCount, err := br.readBits(5)
		if err != nil {
			return info, err
		}
		for i := uint(0); i <= opCount; i++ {
			if err := br.skipBits(12); err != nil { // operating_point_idc
				return info, err
			}
			levelIdx, err := br.readBits(5)
			if err != nil {
				return info, err
			}
			tier := uint(0)
			if levelIdx > 7 {
				if tier, err = br.readBit(); err != nil {
					return info, err
				}
			}
			if i == 0 {
				info.level = levelIdx
				info.tier = tier
			}
			if decoderModelPresent == 1 {
				present, err := br.readBit()
				if err != nil {
					return info, err
				}
				if present == 1 {
					// decoder and encoder buffer delay, low delay mode
					if err := br.skipBits(2*bufferDelayBits + 1); err != nil {
						return info, err
					}
				}
			}
			if displayDelayPresent == 1 {
				present, err := br.readBit()
				if err != nil {
					return info, err
				}
				if present == 1 {
					if err := br.skipBits(4); err != nil {
						return info, err
					}
				}
			}
		}
	}
	widthBits, err := br.readBits(4)
	if err != nil {
		return info, err
	}
	heightBits, err := br.readBits(4)
	if err != nil {
		return info, err
	}
	widthM1, err := br.readBits(int(widthBits) + 1)
	if err != nil {
		return info, err
	}
	heightM1, err := br.readBits(int(heightBits) + 1)
	if err != nil {
		return info, err
	}
	info.width = int(widthM1) + 1
	info.height = int(heightM1) + 1
	return info, nil
}

// IVF container plumbing. The software decoder and encoder move VP8,
// VP9 and AV1 frames through ffmpeg inside IVF, the simplest container
// both ends agree on.

const ivfHeaderSize = 32

var ivfFourCC = map[string]string{
	"vp8": "VP80",
	"vp9": "VP90",
	"av1": "AV01",
}

// ivfStreamHeader builds the 32-byte IVF file header.
func ivfStreamHeader(fourcc string, width, height int) []byte {
	buf := make([]byte, ivfHeaderSize)
	copy(buf[0:4], "DKIF")
	binary.LittleEndian.PutUint16(buf[6:8], ivfHeaderSize)
	copy(buf[8:12], fourcc)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(width))
	binary.LittleEndian.PutUint16(buf[14:16], uint16(height))
	binary.LittleEndian.PutUint32(buf[16:20], 30) // timebase denominator
	binary.LittleEndian.PutUint32(buf[20:24], 1)  // timebase numerator
	return buf
}

// ivfFrameHeader builds the 12-byte per-frame header.
func ivfFrameHeader(size int, pts uint64) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint64(buf[4:12], pts)
	return buf
}

// readIVFStreamHeader consumes and validates the file header.
func readIVFStreamHeader(r io.Reader) error {
	buf := make([]byte, ivfHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if string(buf[0:4]) != "DKIF" {
		return fmt.Errorf("not an ivf stream")
	}
	return nil
}

// readIVFFrame reads one frame and its timestamp.
func readIVFFrame(r io.Reader) ([]byte, uint64, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	pts := binary.LittleEndian.Uint64(header[4:12])
	if size > 64<<20 {
		return nil, 0, fmt.Errorf("ivf frame of %d bytes rejected", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, 0, err
	}
	return frame, pts, nil
}
