// Package providers resolves (codec, provider) pairs to concrete decode and
// encode capabilities on the current host. Resolution never substitutes: a
// pair either resolves to the exact requested implementation or fails with a
// capability error naming both halves.
package providers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rovlink/pipeline/core"
)

// Codec identifies a compressed video format.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecAV1  Codec = "av1"
)

// Codecs lists every supported codec in display order.
func Codecs() []Codec {
	return []Codec{CodecH264, CodecH265, CodecVP8, CodecVP9, CodecAV1}
}

func (c Codec) String() string { return string(c) }

// MediaType returns the stream media type for this codec.
func (c Codec) MediaType() core.MediaType {
	switch c {
	case CodecH264:
		return core.MediaTypeH264
	case CodecH265:
		return core.MediaTypeH265
	case CodecVP8:
		return core.MediaTypeVP8
	case CodecVP9:
		return core.MediaTypeVP9
	case CodecAV1:
		return core.MediaTypeAV1
	}
	return core.MediaTypeWildcard
}

// EncodingName returns the RTP encoding name announced in SDP and rtp://
// URL queries.
func (c Codec) EncodingName() string {
	return strings.ToUpper(string(c))
}

// RequiresParser reports whether the codec needs a bitstream parser
// between depacketizer and decoder. Only the H.26x family does; the
// others arrive as whole frames.
func (c Codec) RequiresParser() bool {
	return c == CodecH264 || c == CodecH265
}

// BitstreamFormat returns the container the software decoder reads this
// codec from: raw byte streams for H.26x, IVF for the rest.
func (c Codec) BitstreamFormat() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "hevc"
	default:
		return "ivf"
	}
}

// ParseCodec maps a codec or RTP encoding name to a Codec. Matching is
// case-insensitive and accepts the HEVC alias for H.265.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	case "vp8":
		return CodecVP8, nil
	case "vp9":
		return CodecVP9, nil
	case "av1":
		return CodecAV1, nil
	}
	return "", fmt.Errorf("unknown codec %q", name)
}

// Provider identifies a decode/encode implementation family.
type Provider string

const (
	ProviderNative  Provider = "native"
	ProviderAVCodec Provider = "avcodec"
	ProviderNVCodec Provider = "nvcodec"
	ProviderVAAPI   Provider = "vaapi"
	ProviderD3D11   Provider = "d3d11"
)

// Providers lists every known provider in display order.
func Providers() []Provider {
	return []Provider{ProviderNative, ProviderAVCodec, ProviderNVCodec, ProviderVAAPI, ProviderD3D11}
}

func (p Provider) String() string { return string(p) }

// ParseProvider maps a provider name to a Provider, case-insensitively.
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "native":
		return ProviderNative, nil
	case "avcodec":
		return ProviderAVCodec, nil
	case "nvcodec":
		return ProviderNVCodec, nil
	case "vaapi":
		return ProviderVAAPI, nil
	case "d3d11":
		return ProviderD3D11, nil
	}
	return "", fmt.Errorf("unknown provider %q", name)
}

// VideoDecoder selects a decode implementation.
type VideoDecoder struct {
	Codec    Codec
	Provider Provider
}

func (d VideoDecoder) String() string {
	return fmt.Sprintf("%s/%s", d.Codec, d.Provider)
}

// VideoEncoder selects an encode implementation.
type VideoEncoder struct {
	Codec    Codec
	Provider Provider
}

func (e VideoEncoder) String() string {
	return fmt.Sprintf("%s/%s", e.Codec, e.Provider)
}

// ColorspaceMethod selects the pixel-format conversion backend.
type ColorspaceMethod string

const (
	ColorspaceCPU   ColorspaceMethod = "cpu"
	ColorspaceCUDA  ColorspaceMethod = "cuda"
	ColorspaceD3D11 ColorspaceMethod = "d3d11"
)

// ParseColorspaceMethod maps a backend name to a ColorspaceMethod.
func ParseColorspaceMethod(name string) (ColorspaceMethod, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cpu":
		return ColorspaceCPU, nil
	case "cuda":
		return ColorspaceCUDA, nil
	case "d3d11":
		return ColorspaceD3D11, nil
	}
	return "", fmt.Errorf("unknown colorspace method %q", name)
}

// Capability errors. Wrapped values always name the codec and provider
// that failed to resolve.
var (
	// ErrProviderUnavailable marks a provider whose backing runtime or
	// device is absent on this host.
	ErrProviderUnavailable = errors.New("provider unavailable on this host")

	// ErrCodecUnsupported marks a (codec, provider) pair the provider
	// cannot serve even when present.
	ErrCodecUnsupported = errors.New("codec not supported by provider")
)
