package stages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// H.265 NAL unit types this parser acts on. Types below 32 carry slice
// data; 16 through 21 are intra random access points.
const (
	h265NALIRAPFirst = 16
	h265NALIRAPLast  = 21
	h265NALVPS       = 32
	h265NALSPS       = 33
	h265NALPPS       = 34
	h265NALAUD       = 35
	h265NALPrefixSEI = 39
)

// H265Parse assembles a byte stream into access units and learns frame
// geometry from sequence parameter sets, mirroring the H.264 parser.
type H265Parse struct {
	*core.Base

	asm      streamAssembler
	au       [][]byte
	auPTS    time.Duration
	auHasVCL bool
	auKey    bool
	vps      []byte
	sps      []byte
	pps      []byte
	spsInfo  *h265SPSInfo
	capsSent bool
}

// H265ParseConfig configures an H.265 parser.
type H265ParseConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus
}

// NewH265Parse creates a parser stage.
func NewH265Parse(cfg H265ParseConfig) *H265Parse {
	p := &H265Parse{}
	p.asm.dropped = func(bytes int) {
		p.Logger().Warn().Int("bytes", bytes).Msg("no start code found, pending data dropped")
	}
	p.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     p,
		InputTypes:  []core.MediaType{core.MediaTypeH265},
		OutputTypes: []core.MediaType{core.MediaTypeH265},
		InboxSize:   64,
	})
	return p
}

// HandleEvent accumulates packets into access units.
func (p *H265Parse) HandleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.CapsEvent:
		// Replaced by the geometry-bearing caps built from the SPS.
	case core.PacketEvent:
		for _, nalu := range p.asm.push(e.Data, e.Marker) {
			p.processNALU(nalu, e.PTS)
		}
		if e.Marker {
			p.closeAU()
		}
	case core.EOSEvent:
		for _, nalu := range p.asm.flush() {
			p.processNALU(nalu, p.auPTS)
		}
		p.closeAU()
		p.Send(e)
	default:
		p.Send(ev)
	}
}

func (p *H265Parse) processNALU(nalu []byte, pts time.Duration) {
	if len(nalu) < 3 || nalu[0]&0x80 != 0 {
		return
	}
	nalType := (nalu[0] >> 1) & 0x3F

	if p.auHasVCL && h265StartsNewAU(nalType, nalu) {
		p.closeAU()
	}
	if len(p.au) == 0 {
		p.auPTS = pts
	}

	switch nalType {
	case h265NALVPS:
		p.vps = nalu
	case h265NALSPS:
		p.setSPS(nalu)
	case h265NALPPS:
		p.pps = nalu
	default:
		if nalType < 32 {
			p.auHasVCL = true
			if nalType >= h265NALIRAPFirst && nalType <= h265NALIRAPLast {
				p.auKey = true
			}
		}
	}
	p.au = append(p.au, nalu)
}

func h265StartsNewAU(nalType byte, nalu []byte) bool {
	switch nalType {
	case h265NALVPS, h265NALSPS, h265NALPPS, h265NALAUD, h265NALPrefixSEI:
		return true
	}
	if nalType < 32 {
		// first_slice_segment_in_pic_flag is the bit after the header.
		return nalu[2]>>7 == 1
	}
	return false
}

func (p *H265Parse) setSPS(nalu []byte) {
	if bytes.Equal(p.sps, nalu) {
		return
	}
	info, err := parseH265SPS(nalu)
	if err != nil {
		p.Logger().Warn().Err(err).Msg("sequence parameter set rejected")
		return
	}
	p.sps = nalu
	p.spsInfo = info
	p.capsSent = false
	p.Logger().Info().
		Int("width", info.Width).
		Int("height", info.Height).
		Uint8("profile", info.profileIDC).
		Msg("stream geometry learned")
}

func (p *H265Parse) closeAU() {
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

func (p *H265Parse) withParameterSets(au [][]byte) [][]byte {
	if p.vps == nil || p.sps == nil || p.pps == nil {
		return au
	}
	for _, nalu := range au {
		if (nalu[0]>>1)&0x3F == h265NALSPS {
			return au
		}
	}
	at := 0
	if (au[0][0]>>1)&0x3F == h265NALAUD {
		at = 1
	}
	out := make([][]byte, 0, len(au)+3)
	out = append(out, au[:at]...)
	out = append(out, p.vps, p.sps, p.pps)
	out = append(out, au[at:]...)
	return out
}

func (p *H265Parse) maybeSendCaps() {
	if p.capsSent || p.spsInfo == nil || p.vps == nil || p.pps == nil {
		return
	}
	p.capsSent = true
	p.Send(core.CapsEvent{Caps: core.Caps{
		MediaType: core.MediaTypeH265,
		Width:     p.spsInfo.Width,
		Height:    p.spsInfo.Height,
		CodecData: buildHVCC(p.spsInfo, p.vps, p.sps, p.pps),
	}})
}

// h265SPSInfo carries geometry plus the profile fields the decoder
// configuration record repeats.
type h265SPSInfo struct {
	Width  int
	Height int

	profileSpace      uint8
	tierFlag          uint8
	profileIDC        uint8
	compatFlags       uint32
	constraintFlags   [6]byte
	levelIDC          uint8
	chromaFormatIDC   uint8
	bitDepthLumaM8    uint8
	bitDepthChromaM8  uint8
	numTemporalLayers uint8
	temporalIDNested  uint8
}

// parseH265SPS extracts geometry and profile data from a sequence
// parameter set, skipping over the profile tier level sublayer blocks.
func parseH265SPS(nalu []byte) (*h265SPSInfo, error) {
	if len(nalu) < 4 || (nalu[0]>>1)&0x3F != h265NALSPS {
		return nil, fmt.Errorf("not a sequence parameter set")
	}
	info := &h265SPSInfo{}
	br := newBitReader(unescapeRBSP(nalu[2:]))

	if err := br.skipBits(4); err != nil { // sps_video_parameter_set_id
		return nil, err
	}
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return nil, err
	}
	info.numTemporalLayers = uint8(maxSubLayersMinus1) + 1
	nested, err := br.readBit()
	if err != nil {
		return nil, err
	}
	info.temporalIDNested = uint8(nested)

	// profile_tier_level, general layer.
	b, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	info.profileSpace = uint8(b >> 6)
	info.tierFlag = uint8(b>>5) & 1
	info.profileIDC = uint8(b) & 0x1F
	compat, err := br.readBits(32)
	if err != nil {
		return nil, err
	}
	info.compatFlags = uint32(compat)
	for i := 0; i < 6; i++ {
		c, err := br.readBits(8)
		if err != nil {
			return nil, err
		}
		info.constraintFlags[i] = byte(c)
	}
	level, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	info.levelIDC = uint8(level)

	// Sublayer profile and level presence flags, then the blocks.
	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		pp, err := br.readBit()
		if err != nil {
			return nil, err
		}
		lp, err := br.readBit()
		if err != nil {
			return nil, err
		}
		profilePresent[i] = pp == 1
		levelPresent[i] = lp == 1
	}
	if maxSubLayersMinus1 > 0 {
		if err := br.skipBits(int(8-maxSubLayersMinus1) * 2); err != nil {
			return nil, err
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			if err := br.skipBits(88); err != nil {
				return nil, err
			}
		}
		if levelPresent[i] {
			if err := br.skipBits(8); err != nil {
				return nil, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return nil, err
	}
	chroma, err := br.readUE()
	if err != nil {
		return nil, err
	}
	info.chromaFormatIDC = uint8(chroma)
	if chroma == 3 {
		if err := br.skipBits(1); err != nil { // separate_colour_plane_flag
			return nil, err
		}
	}
	width, err := br.readUE()
	if err != nil {
		return nil, err
	}
	height, err := br.readUE()
	if err != nil {
		return nil, err
	}

	conformance, err := br.readBit()
	if err != nil {
		return nil, err
	}
	if conformance == 1 {
		left, err := br.readUE()
		if err != nil {
			return nil, err
		}
		right, err := br.readUE()
		if err != nil {
			return nil, err
		}
		top, err := br.readUE()
		if err != nil {
			return nil, err
		}
		bottom, err := br.readUE()
		if err != nil {
			return nil, err
		}
		subW, subH := uint(1), uint(1)
		switch chroma {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW, subH = 2, 1
		}
		width -= subW * (left + right)
		height -= subH * (top + bottom)
	}

	lumaM8, err := br.readUE()
	if err != nil {
		return nil, err
	}
	chromaM8, err := br.readUE()
	if err != nil {
		return nil, err
	}
	info.bitDepthLumaM8 = uint8(lumaM8)
	info.bitDepthChromaM8 = uint8(chromaM8)

	if width == 0 || width > 16384 || height == 0 || height > 16384 {
		return nil, fmt.Errorf("implausible geometry %dx%d", width, height)
	}
	info.Width = int(width)
	info.Height = int(height)
	return info, nil
}

// buildHVCC assembles an HEVCDecoderConfigurationRecord carrying one
// VPS, SPS and PPS each.
func buildHVCC(info *h265SPSInfo, vps, sps, pps []byte) []byte {
	buf := make([]byte, 0, 23+3*5+len(vps)+len(sps)+len(pps))
	buf = append(buf, 1)
	buf = append(buf, info.profileSpace<<6|info.tierFlag<<5|info.profileIDC)
	buf = binary.BigEndian.AppendUint32(buf, info.compatFlags)
	buf = append(buf, info.constraintFlags[:]...)
	buf = append(buf, info.levelIDC)
	buf = append(buf, 0xF0, 0x00) // min_spatial_segmentation_idc
	buf = append(buf, 0xFC)       // parallelismType
	buf = append(buf, 0xFC|info.chromaFormatIDC&0x03)
	buf = append(buf, 0xF8|info.bitDepthLumaM8&0x07)
	buf = append(buf, 0xF8|info.bitDepthChromaM8&0x07)
	buf = append(buf, 0x00, 0x00) // avgFrameRate
	buf = append(buf, info.numTemporalLayers<<3|info.temporalIDNested<<2|0x03)
	buf = append(buf, 3) // arrays: VPS, SPS, PPS
	for _, ps := range []struct {
		nalType byte
		data    []byte
	}{
		{h265NALVPS, vps},
		{h265NALSPS, sps},
		{h265NALPPS, pps},
	} {
		buf = append(buf, 0x80|ps.nalType)
		buf = binary.BigEndian.AppendUint16(buf, 1)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(ps.data)))
		buf = append(buf, ps.data...)
	}
	return buf
}
