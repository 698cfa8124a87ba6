package providers

import (
	"context"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

// HostCapabilities records what the current host can decode and encode
// with. Tests construct one directly to pin resolution behavior.
type HostCapabilities struct {
	// FFmpeg is true when a runnable ffmpeg binary was found.
	FFmpeg bool
	// NVIDIA is true when an NVIDIA device node is present.
	NVIDIA bool
	// VAAPI is true when a DRM render node is present.
	VAAPI bool
	// D3D11 is true only on Windows hosts.
	D3D11 bool

	// Decoders and Encoders hold the coder names the ffmpeg build ships.
	// Nil means unknown, treated as "assume present".
	Decoders map[string]bool
	Encoders map[string]bool
}

// ProbeHost inspects the running system: the ffmpeg binary, its coder
// inventory, and hardware device nodes. Probing never fails; missing
// pieces surface later as capability errors at resolve time.
func ProbeHost(ctx context.Context, ffmpeg *FFmpeg, logger zerolog.Logger) HostCapabilities {
	caps := HostCapabilities{}

	if err := ffmpeg.Probe(ctx); err != nil {
		logger.Warn().Err(err).Msg("ffmpeg not usable, software decode and encode unavailable")
	} else {
		caps.FFmpeg = true
		var err error
		if caps.Decoders, err = ffmpeg.ListDecoders(ctx); err != nil {
			logger.Warn().Err(err).Msg("decoder listing failed")
		}
		if caps.Encoders, err = ffmpeg.ListEncoders(ctx); err != nil {
			logger.Warn().Err(err).Msg("encoder listing failed")
		}
	}

	caps.NVIDIA = deviceExists("/dev/nvidia0") || deviceExists("/dev/nvidiactl")
	caps.VAAPI = deviceExists("/dev/dri/renderD128")
	caps.D3D11 = runtime.GOOS == "windows"

	logger.Info().
		Bool("ffmpeg", caps.FFmpeg).
		Bool("nvidia", caps.NVIDIA).
		Bool("vaapi", caps.VAAPI).
		Bool("d3d11", caps.D3D11).
		Msg("host capabilities probed")
	return caps
}

func deviceExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// hasDecoder treats a nil inventory as present, so resolution still
// works when the listing probe failed but the binary runs.
func (c HostCapabilities) hasDecoder(name string) bool {
	return c.Decoders == nil || c.Decoders[name]
}

func (c HostCapabilities) hasEncoder(name string) bool {
	return c.Encoders == nil || c.Encoders[name]
}
