package stages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// H.264 NAL unit types this parser acts on.
const (
	h264NALSlice    = 1
	h264NALSliceIDR = 5
	h264NALSEI      = 6
	h264NALSPS      = 7
	h264NALPPS      = 8
	h264NALAUD      = 9
)

// H264Parse assembles a byte stream into access units, learns the frame
// geometry from sequence parameter sets and republishes it as caps with
// the decoder configuration record attached. Keyframe access units that
// arrive without inline parameter sets get the most recent ones injected
// so recordings started mid-stream begin decodable.
type H264Parse struct {
	*core.Base

	asm      streamAssembler
	au       [][]byte
	auPTS    time.Duration
	auHasVCL bool
	auKey    bool
	sps      []byte
	pps      []byte
	spsInfo  *h264SPSInfo
	capsSent bool
}

// H264ParseConfig configures an H.264 parser.
type H264ParseConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus
}

// NewH264Parse creates a parser stage.
func NewH264Parse(cfg H264ParseConfig) *H264Parse {
	p := &H264Parse{}
	p.asm.dropped = func(bytes int) {
		logger := p.Logger()
		logger.Warn().Int("bytes", bytes).Msg("no start code found, pending data dropped")
	}
	p.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     p,
		InputTypes:  []core.MediaType{core.MediaTypeH264},
		OutputTypes: []core.MediaType{core.MediaTypeH264},
		InboxSize:   64,
	})
	return p
}

// HandleEvent accumulates packets into access units. Caps arriving from
// upstream carry no geometry and are absorbed; the parser emits its own
// once a sequence parameter set is seen.
func (p *H264Parse) HandleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.CapsEvent:
		// Replaced by the geometry-bearing caps built from the SPS.
	case core.PacketEvent:
		p.consume(e)
	case core.EOSEvent:
		p.flush()
		p.Send(e)
	default:
		p.Send(ev)
	}
}

func (p *H264Parse) consume(e core.PacketEvent) {
	for _, nalu := range p.asm.push(e.Data, e.Marker) {
		p.processNALU(nalu, e.PTS)
	}
	if e.Marker {
		p.closeAU()
	}
}

// flush drains buffered bytes and the open access unit.
func (p *H264Parse) flush() {
	for _, nalu := range p.asm.flush() {
		p.processNALU(nalu, p.auPTS)
	}
	p.closeAU()
}

func (p *H264Parse) processNALU(nalu []byte, pts time.Duration) {
	if len(nalu) == 0 || nalu[0]&0x80 != 0 {
		return
	}
	nalType := nalu[0] & 0x1F

	if p.auHasVCL && h264StartsNewAU(nalType, nalu) {
		p.closeAU()
	}
	if len(p.au) == 0 {
		p.auPTS = pts
	}

	switch nalType {
	case h264NALSPS:
		p.setSPS(nalu)
	case h264NALPPS:
		p.pps = nalu
	case h264NALSlice, 2, 3, 4, h264NALSliceIDR:
		p.auHasVCL = true
		if nalType == h264NALSliceIDR {
			p.auKey = true
		}
	}
	p.au = append(p.au, nalu)
}

// h264StartsNewAU reports whether this unit opens the next access unit
// given that the current one already holds slice data. Parameter sets,
// SEI and delimiters always do; a slice does when it is the first of
// its picture.
func h264StartsNewAU(nalType byte, nalu []byte) bool {
	switch nalType {
	case h264NALSEI, h264NALSPS, h264NALPPS, h264NALAUD:
		return true
	case h264NALSlice, 2, 3, 4, h264NALSliceIDR:
		return firstMBInSlice(nalu) == 0
	}
	return false
}

func (p *H264Parse) setSPS(nalu []byte) {
	logger := p.Logger()
	if bytes.Equal(p.sps, nalu) {
		return
	}
	info, err := parseH264SPS(nalu)
	if err != nil {
		logger.Warn().Err(err).Msg("sequence parameter set rejected")
		return
	}
	p.sps = nalu
	p.spsInfo = info
	p.capsSent = false
	logger.Info().
		Int("width", info.Width).
		Int("height", info.Height).
		Uint8("profile", info.Profile).
		Uint8("level", info.Level).
		Msg("stream geometry learned")
}

func (p *H264Parse) closeAU() {
	if len(p.au) == 0 {
		return
	}
	au := p.au
	if p.auKey {
		au = p.withParameterSets(au)
	}
	p.maybeSendCaps()

	size := 0
	for _, nalu := range au {
		size += len(startCode) + len(nalu)
	}
	data := make([]byte, 0, size)
	for _, nalu := range au {
		data = append(data, startCode...)
		data = append(data, nalu...)
	}
	p.Send(core.PacketEvent{Data: data, PTS: p.auPTS, Keyframe: p.auKey, Marker: true})

	p.au = p.au[:0]
	p.auHasVCL = false
	p.auKey = false
}

// withParameterSets prepends the stored SPS and PPS to a keyframe unit
// that carries none, after any leading delimiter.
func (p *H264Parse) withParameterSets(au [][]byte) [][]byte {
	if p.sps == nil || p.pps == nil {
		return au
	}
	for _, nalu := range au {
		if nalu[0]&0x1F == h264NALSPS {
			return au
		}
	}
	at := 0
	if au[0][0]&0x1F == h264NALAUD {
		at = 1
	}
	out := make([][]byte, 0, len(au)+2)
	out = append(out, au[:at]...)
	out = append(out, p.sps, p.pps)
	out = append(out, au[at:]...)
	return out
}

func (p *H264Parse) maybeSendCaps() {
	if p.capsSent || p.spsInfo == nil || p.pps == nil {
		return
	}
	p.capsSent = true
	p.Send(core.CapsEvent{Caps: core.Caps{
		MediaType: core.MediaTypeH264,
		Width:     p.spsInfo.Width,
		Height:    p.spsInfo.Height,
		CodecData: buildAVCC(p.sps, p.pps),
	}})
}

// firstMBInSlice reads the leading Exp-Golomb field of a slice header.
func firstMBInSlice(nalu []byte) int {
	if len(nalu) < 2 {
		return -1
	}
	end := len(nalu)
	if end > 8 {
		end = 8
	}
	br := newBitReader(unescapeRBSP(nalu[1:end]))
	mb, err := br.readUE()
	if err != nil {
		return -1
	}
	return int(mb)
}

// buildAVCC assembles an AVCDecoderConfigurationRecord from one SPS and
// one PPS.
func buildAVCC(sps, pps []byte) []byte {
	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1, sps[1], sps[2], sps[3], 0xFF, 0xE1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pps)))
	buf = append(buf, pps...)
	return buf
}

// h264SPSInfo is the subset of a sequence parameter set the pipeline
// needs.
type h264SPSInfo struct {
	Profile uint8
	Level   uint8
	Width   int
	Height  int
}

// parseH264SPS extracts geometry from a sequence parameter set,
// including the frame cropping rectangle.
func parseH264SPS(nalu []byte) (*h264SPSInfo, error) {
	if len(nalu) < 4 || nalu[0]&0x1F != h264NALSPS {
		return nil, fmt.Errorf("not a sequence parameter set")
	}
	br := newBitReader(unescapeRBSP(nalu[1:]))

	profile, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	if err := br.skipBits(8); err != nil { // constraint flags + reserved
		return nil, err
	}
	level, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return nil, err
	}

	chromaFormatIDC := uint(1)
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		if chromaFormatIDC, err = br.readUE(); err != nil {
			return nil, err
		}
		if chromaFormatIDC == 3 {
			if err := br.skipBits(1); err != nil { // separate_colour_plane_flag
				return nil, err
			}
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return nil, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return nil, err
		}
		if err := br.skipBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}
		scalingMatrix, err := br.readBit()
		if err != nil {
			return nil, err
		}
		if scalingMatrix == 1 {
			lists := 8
			if chromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := br.readBit()
				if err != nil {
					return nil, err
				}
				if present == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := skipScalingList(br, size); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num_minus4
		return nil, err
	}
	pocType, err := br.readUE()
	if err != nil {
		return nil, err
	}
	switch pocType {
	case 0:
		if _, err := br.readUE(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return nil, err
		}
	case 1:
		if err := br.skipBits(1); err != nil { // delta_pic_order_always_zero_flag
			return nil, err
		}
		if _, err := br.readSE(); err != nil { // offset_for_non_ref_pic
			return nil, err
		}
		if _, err := br.readSE(); err != nil { // offset_for_top_to_bottom_field
			return nil, err
		}
		cycle, err := br.readUE()
		if err != nil {
			return nil, err
		}
		for i := uint(0); i < cycle; i++ {
			if _, err := br.readSE(); err != nil {
				return nil, err
			}
		}
	}
	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return nil, err
	}
	if err := br.skipBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}

	picWidthInMBs, err := br.readUE()
	if err != nil {
		return nil, err
	}
	picHeightInMapUnits, err := br.readUE()
	if err != nil {
		return nil, err
	}
	frameMbsOnly, err := br.readBit()
	if err != nil {
		return nil, err
	}
	if frameMbsOnly == 0 {
		if err := br.skipBits(1); err != nil { // mb_adaptive_frame_field_flag
			return nil, err
		}
	}
	if err := br.skipBits(1); err != nil { // direct_8x8_inference_flag
		return nil, err
	}

	var cropLeft, cropRight, cropTop, cropBottom uint
	cropping, err := br.readBit()
	if err != nil {
		return nil, err
	}
	if cropping == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return nil, err
		}
	}

	width := (picWidthInMBs + 1) * 16
	height := (2 - frameMbsOnly) * (picHeightInMapUnits + 1) * 16

	var cropUnitX, cropUnitY uint
	switch chromaFormatIDC {
	case 0, 3:
		cropUnitX, cropUnitY = 1, 2-frameMbsOnly
	case 1:
		cropUnitX, cropUnitY = 2, 2*(2-frameMbsOnly)
	case 2:
		cropUnitX, cropUnitY = 2, 1*(2-frameMbsOnly)
	}
	width -= (cropLeft + cropRight) * cropUnitX
	height -= (cropTop + cropBottom) * cropUnitY

	if width == 0 || width > 16384 || height == 0 || height > 16384 {
		return nil, fmt.Errorf("implausible geometry %dx%d", width, height)
	}
	return &h264SPSInfo{
		Profile: uint8(profile),
		Level:   uint8(level),
		Width:   int(width),
		Height:  int(height),
	}, nil
}

func skipScalingList(br *bitReader, size int) error {
	lastScale, nextScale := 8, 8
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}
