package providers

import "fmt"

// Element ids follow the conventions operators know from GStreamer
// tooling, so log lines and error messages stay greppable against the
// wider ecosystem. These names key stages inside a Graph; two stages
// with the same id cannot coexist.

// DepayElementName returns the depacketizer id for a codec.
func DepayElementName(c Codec) string {
	return fmt.Sprintf("rtp%sdepay", c)
}

// ParserElementName returns the bitstream parser id for a codec, or
// the empty string when the codec takes no parser.
func ParserElementName(c Codec) string {
	if !c.RequiresParser() {
		return ""
	}
	return fmt.Sprintf("%sparse", c)
}

// DecoderElementName returns the decoder id for a (codec, provider)
// pair.
func DecoderElementName(d VideoDecoder) string {
	switch d.Provider {
	case ProviderNVCodec:
		return fmt.Sprintf("nv%sdec", d.Codec)
	case ProviderAVCodec:
		return fmt.Sprintf("avdec_%s", d.Codec)
	case ProviderVAAPI:
		return fmt.Sprintf("vaapi%sdec", d.Codec)
	case ProviderD3D11:
		return fmt.Sprintf("d3d11%sdec", d.Codec)
	default:
		return fmt.Sprintf("%sdec", d.Codec)
	}
}

// EncoderElementName returns the encoder id for a (codec, provider)
// pair.
func EncoderElementName(e VideoEncoder) string {
	switch e.Provider {
	case ProviderNVCodec:
		return fmt.Sprintf("nv%senc", e.Codec)
	case ProviderAVCodec:
		return fmt.Sprintf("avenc_%s", e.Codec)
	case ProviderVAAPI:
		return fmt.Sprintf("vaapi%senc", e.Codec)
	case ProviderD3D11:
		return fmt.Sprintf("d3d11%senc", e.Codec)
	default:
		switch e.Codec {
		case CodecH264:
			return "x264enc"
		case CodecH265:
			return "x265enc"
		default:
			return fmt.Sprintf("%senc", e.Codec)
		}
	}
}
