package providers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

var (
	cuvidDecoderNames = map[Codec]string{
		CodecH264: "h264_cuvid",
		CodecH265: "hevc_cuvid",
		CodecVP8:  "vp8_cuvid",
		CodecVP9:  "vp9_cuvid",
		CodecAV1:  "av1_cuvid",
	}
	nvencEncoderNames = map[Codec]string{
		CodecH264: "h264_nvenc",
		CodecH265: "hevc_nvenc",
		CodecAV1:  "av1_nvenc",
	}
	vaapiEncoderNames = map[Codec]string{
		CodecH264: "h264_vaapi",
		CodecH265: "hevc_vaapi",
		CodecVP8:  "vp8_vaapi",
		CodecVP9:  "vp9_vaapi",
		CodecAV1:  "av1_vaapi",
	}
	nativeEncoderNames = map[Codec]string{
		CodecH264: "libx264",
		CodecH265: "libx265",
		CodecVP8:  "libvpx",
		CodecVP9:  "libvpx-vp9",
		CodecAV1:  "libaom-av1",
	}
)

// RegistryConfig configures capability resolution.
type RegistryConfig struct {
	Logger zerolog.Logger

	// FFmpegBinary overrides the ffmpeg binary name. Empty resolves
	// "ffmpeg" from PATH.
	FFmpegBinary string

	// Capabilities skips host probing when set. Tests use this to pin
	// resolution outcomes.
	Capabilities *HostCapabilities
}

// Registry resolves (codec, provider) pairs against host capabilities.
type Registry struct {
	logger zerolog.Logger
	ffmpeg *FFmpeg
	caps   HostCapabilities
}

// NewRegistry probes the host once and keeps the result for the life of
// the registry.
func NewRegistry(ctx context.Context, cfg RegistryConfig) *Registry {
	logger := cfg.Logger.With().Str("component", "providers").Logger()
	ffmpeg := NewFFmpeg(cfg.FFmpegBinary)
	r := &Registry{logger: logger, ffmpeg: ffmpeg}
	if cfg.Capabilities != nil {
		r.caps = *cfg.Capabilities
	} else {
		r.caps = ProbeHost(ctx, ffmpeg, logger)
	}
	return r
}

// Capabilities returns the probed host capabilities.
func (r *Registry) Capabilities() HostCapabilities { return r.caps }

// FFmpeg returns the wrapped binary shared by resolved coders.
func (r *Registry) FFmpeg() *FFmpeg { return r.ffmpeg }

// ResolveDecoder maps the requested pair to a concrete decoder. The pair
// is served exactly as asked or not at all.
func (r *Registry) ResolveDecoder(d VideoDecoder) (Decoder, error) {
	if d.Codec.MediaType() == core.MediaTypeWildcard {
		return Decoder{}, fmt.Errorf("decoder %s/%s: unknown codec", d.Codec, d.Provider)
	}
	dec := Decoder{
		Element:  DecoderElementName(d),
		Codec:    d.Codec,
		Provider: d.Provider,
		FFmpeg:   r.ffmpeg,
	}
	switch d.Provider {
	case ProviderNative, ProviderAVCodec:
		if !r.caps.FFmpeg {
			return Decoder{}, resolveErr("decoder", d.Codec, d.Provider, ErrProviderUnavailable)
		}
	case ProviderNVCodec:
		if !r.caps.NVIDIA || !r.caps.FFmpeg {
			return Decoder{}, resolveErr("decoder", d.Codec, d.Provider, ErrProviderUnavailable)
		}
		name := cuvidDecoderNames[d.Codec]
		if !r.caps.hasDecoder(name) {
			return Decoder{}, fmt.Errorf("decoder %s/%s: %s missing from ffmpeg build: %w",
				d.Codec, d.Provider, name, ErrProviderUnavailable)
		}
		dec.coderName = name
	case ProviderVAAPI:
		if !r.caps.VAAPI || !r.caps.FFmpeg {
			return Decoder{}, resolveErr("decoder", d.Codec, d.Provider, ErrProviderUnavailable)
		}
		dec.hwaccel = "vaapi"
	case ProviderD3D11:
		if !r.caps.D3D11 || !r.caps.FFmpeg {
			return Decoder{}, resolveErr("decoder", d.Codec, d.Provider, ErrProviderUnavailable)
		}
		dec.hwaccel = "d3d11va"
	default:
		return Decoder{}, fmt.Errorf("decoder %s/%s: unknown provider", d.Codec, d.Provider)
	}
	return dec, nil
}

// ResolveEncoder maps the requested pair to a concrete encoder.
func (r *Registry) ResolveEncoder(e VideoEncoder) (Encoder, error) {
	if e.Codec.MediaType() == core.MediaTypeWildcard {
		return Encoder{}, fmt.Errorf("encoder %s/%s: unknown codec", e.Codec, e.Provider)
	}
	enc := Encoder{
		Element:  EncoderElementName(e),
		Codec:    e.Codec,
		Provider: e.Provider,
		FFmpeg:   r.ffmpeg,
	}
	switch e.Provider {
	case ProviderNative:
		if !r.caps.FFmpeg {
			return Encoder{}, resolveErr("encoder", e.Codec, e.Provider, ErrProviderUnavailable)
		}
		name := nativeEncoderNames[e.Codec]
		if !r.caps.hasEncoder(name) {
			return Encoder{}, fmt.Errorf("encoder %s/%s: %s missing from ffmpeg build: %w",
				e.Codec, e.Provider, name, ErrProviderUnavailable)
		}
		enc.coderName = name
	case ProviderAVCodec:
		if !r.caps.FFmpeg {
			return Encoder{}, resolveErr("encoder", e.Codec, e.Provider, ErrProviderUnavailable)
		}
	case ProviderNVCodec:
		if !r.caps.NVIDIA || !r.caps.FFmpeg {
			return Encoder{}, resolveErr("encoder", e.Codec, e.Provider, ErrProviderUnavailable)
		}
		name, ok := nvencEncoderNames[e.Codec]
		if !ok {
			return Encoder{}, resolveErr("encoder", e.Codec, e.Provider, ErrCodecUnsupported)
		}
		if !r.caps.hasEncoder(name) {
			return Encoder{}, fmt.Errorf("encoder %s/%s: %s missing from ffmpeg build: %w",
				e.Codec, e.Provider, name, ErrProviderUnavailable)
		}
		enc.coderName = name
	case ProviderVAAPI:
		if !r.caps.VAAPI || !r.caps.FFmpeg {
			return Encoder{}, resolveErr("encoder", e.Codec, e.Provider, ErrProviderUnavailable)
		}
		enc.coderName = vaapiEncoderNames[e.Codec]
	case ProviderD3D11:
		if !r.caps.D3D11 || !r.caps.FFmpeg {
			return Encoder{}, resolveErr("encoder", e.Codec, e.Provider, ErrProviderUnavailable)
		}
	default:
		return Encoder{}, fmt.Errorf("encoder %s/%s: unknown provider", e.Codec, e.Provider)
	}
	return enc, nil
}

// ResolveColorspace validates the conversion backend against the host.
func (r *Registry) ResolveColorspace(m ColorspaceMethod) error {
	switch m {
	case ColorspaceCPU:
		return nil
	case ColorspaceCUDA:
		if !r.caps.NVIDIA {
			return fmt.Errorf("colorspace %s: %w", m, ErrProviderUnavailable)
		}
		return nil
	case ColorspaceD3D11:
		if !r.caps.D3D11 {
			return fmt.Errorf("colorspace %s: %w", m, ErrProviderUnavailable)
		}
		return nil
	}
	return fmt.Errorf("colorspace %q: unknown method", m)
}

func resolveErr(kind string, c Codec, p Provider, sentinel error) error {
	return fmt.Errorf("%s %s/%s: %w", kind, c, p, sentinel)
}

// Decoder is a resolved decode capability. Stages spawn the conversion
// with Args through the wrapped FFmpeg.
type Decoder struct {
	Element  string
	Codec    Codec
	Provider Provider
	FFmpeg   *FFmpeg

	coderName string
	hwaccel   string
}

// Args builds the conversion arguments: compressed bitstream on stdin,
// raw I420 frames on stdout.
func (d Decoder) Args() []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "error"}
	if d.hwaccel != "" {
		args = append(args, "-hwaccel", d.hwaccel)
	}
	args = append(args, "-f", d.Codec.BitstreamFormat())
	if d.coderName != "" {
		args = append(args, "-c:v", d.coderName)
	}
	args = append(args, "-i", "pipe:0", "-f", "rawvideo", "-pix_fmt", "yuv420p", "pipe:1")
	return args
}

// Encoder is a resolved encode capability.
type Encoder struct {
	Element  string
	Codec    Codec
	Provider Provider
	FFmpeg   *FFmpeg

	coderName string
}

// Args builds the conversion arguments: raw I420 frames of the given
// geometry on stdin, compressed bitstream on stdout. Tuning pins
// one-in-one-out behavior so output unit k corresponds to input frame k.
func (e Encoder) Args(width, height int) []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "error"}
	if e.Provider == ProviderVAAPI {
		args = append(args, "-vaapi_device", "/dev/dri/renderD128")
	}
	args = append(args,
		"-f", "rawvideo", "-pix_fmt", "yuv420p",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", "30",
		"-i", "pipe:0",
	)
	if e.Provider == ProviderVAAPI {
		args = append(args, "-vf", "format=nv12,hwupload")
	}
	if e.coderName != "" {
		args = append(args, "-c:v", e.coderName)
	}
	args = append(args, encoderTuning(e.coderName)...)
	if e.Codec == CodecH264 || e.Codec == CodecH265 {
		args = append(args, "-bf", "0")
	}
	args = append(args, "-g", "60", "-f", e.Codec.BitstreamFormat(), "pipe:1")
	return args
}

func encoderTuning(name string) []string {
	switch name {
	case "libx264", "libx265":
		return []string{"-preset", "veryfast", "-tune", "zerolatency"}
	case "libvpx", "libvpx-vp9":
		return []string{"-deadline", "realtime", "-lag-in-frames", "0"}
	case "libaom-av1":
		return []string{"-usage", "realtime", "-lag-in-frames", "0"}
	case "h264_nvenc", "hevc_nvenc", "av1_nvenc":
		return []string{"-preset", "p4", "-tune", "ll"}
	}
	return nil
}
