package console

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rovlink/pipeline"
	"github.com/rovlink/pipeline/enhance"
	"github.com/rovlink/pipeline/providers"
)

// Settings is the console configuration snapshot. A value is complete and
// immutable once handed to the console; UpdateSettings replaces the whole
// value, so no component ever observes a half-applied change. Most fields
// take effect when the next pipeline starts.
type Settings struct {
	// VideoURL locates the stream: rtp://, udp:// or rtsp://, with an
	// optional encoding-name query parameter naming the codec.
	VideoURL string `toml:"video_url"`

	// DecodeCodec and DecodeProvider select the decoder.
	DecodeCodec    string `toml:"decode_codec"`
	DecodeProvider string `toml:"decode_provider"`

	// EncodeCodec and EncodeProvider select the recording encoder. A
	// recording re-encodes only when the encode codec differs from the
	// stream codec; otherwise the compressed stream is copied as is.
	EncodeCodec    string `toml:"encode_codec"`
	EncodeProvider string `toml:"encode_provider"`

	// Colorspace selects the pixel conversion backend.
	Colorspace string `toml:"colorspace"`

	// JitterLatencyMs sizes the RTP reorder window. Zero disables the
	// jitter buffer.
	JitterLatencyMs int `toml:"jitter_latency_ms"`

	// LeakyQueue lets the display queue drop its oldest frame under
	// backpressure, preferring a fresh picture over a complete one.
	LeakyQueue bool `toml:"leaky_queue"`

	// UnresponsiveTimeoutSeconds bounds how long a stop or a recording
	// flush may take before the pipeline is force-stopped. Zero disables
	// the watchdog.
	UnresponsiveTimeoutSeconds int `toml:"unresponsive_timeout_seconds"`

	// Enhancement is the display enhancement mode: off, stretch or
	// clahe. Recordings always capture the unenhanced stream.
	Enhancement string `toml:"enhancement"`

	// ScreenshotFormat is the encoding used when SaveScreenshot names
	// none: jpeg, png, tiff or bmp.
	ScreenshotFormat string `toml:"screenshot_format"`

	// RecordingDir and ScreenshotDir receive files saved without an
	// explicit path.
	RecordingDir  string `toml:"recording_dir"`
	ScreenshotDir string `toml:"screenshot_dir"`
}

// DefaultSettings returns the factory configuration: an H.264 RTP stream
// on the local ground port, software decode, no re-encode on record.
func DefaultSettings() Settings {
	return Settings{
		VideoURL:                   "rtp://127.0.0.1:5600?encoding-name=H264",
		DecodeCodec:                "h264",
		DecodeProvider:             "avcodec",
		EncodeCodec:                "h264",
		EncodeProvider:             "native",
		Colorspace:                 "cpu",
		JitterLatencyMs:            200,
		UnresponsiveTimeoutSeconds: 10,
		Enhancement:                "off",
		ScreenshotFormat:           "jpeg",
		RecordingDir:               ".",
		ScreenshotDir:              ".",
	}
}

// LoadSettings reads a TOML settings file over the defaults. A missing
// file returns the defaults unchanged; a present file must parse and
// validate. Settings are never written back.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("open settings: %w", err)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Validate checks every selector against its known values.
func (s Settings) Validate() error {
	if _, err := pipeline.ParseVideoURL(s.VideoURL); err != nil {
		return err
	}
	if _, err := s.Decoder(); err != nil {
		return err
	}
	if _, err := s.Encoder(); err != nil {
		return err
	}
	if _, err := providers.ParseColorspaceMethod(s.Colorspace); err != nil {
		return err
	}
	if _, err := enhance.ParseMode(s.Enhancement); err != nil {
		return err
	}
	if _, err := ParseImageFormat(s.ScreenshotFormat); err != nil {
		return err
	}
	if s.JitterLatencyMs < 0 {
		return fmt.Errorf("jitter latency %dms: must not be negative", s.JitterLatencyMs)
	}
	if s.UnresponsiveTimeoutSeconds < 0 {
		return fmt.Errorf("unresponsive timeout %ds: must not be negative", s.UnresponsiveTimeoutSeconds)
	}
	return nil
}

// Decoder returns the decode selection.
func (s Settings) Decoder() (providers.VideoDecoder, error) {
	codec, err := providers.ParseCodec(s.DecodeCodec)
	if err != nil {
		return providers.VideoDecoder{}, fmt.Errorf("decode: %w", err)
	}
	prov, err := providers.ParseProvider(s.DecodeProvider)
	if err != nil {
		return providers.VideoDecoder{}, fmt.Errorf("decode: %w", err)
	}
	return providers.VideoDecoder{Codec: codec, Provider: prov}, nil
}

// Encoder returns the recording encode selection.
func (s Settings) Encoder() (providers.VideoEncoder, error) {
	codec, err := providers.ParseCodec(s.EncodeCodec)
	if err != nil {
		return providers.VideoEncoder{}, fmt.Errorf("encode: %w", err)
	}
	prov, err := providers.ParseProvider(s.EncodeProvider)
	if err != nil {
		return providers.VideoEncoder{}, fmt.Errorf("encode: %w", err)
	}
	return providers.VideoEncoder{Codec: codec, Provider: prov}, nil
}

// ColorspaceMethod returns the conversion backend selection.
func (s Settings) ColorspaceMethod() (providers.ColorspaceMethod, error) {
	return providers.ParseColorspaceMethod(s.Colorspace)
}

// EnhancementMode returns the display enhancement selection.
func (s Settings) EnhancementMode() (enhance.Mode, error) {
	return enhance.ParseMode(s.Enhancement)
}

// JitterLatency returns the reorder window as a duration.
func (s Settings) JitterLatency() time.Duration {
	return time.Duration(s.JitterLatencyMs) * time.Millisecond
}

// UnresponsiveTimeout returns the stop watchdog as a duration.
func (s Settings) UnresponsiveTimeout() time.Duration {
	return time.Duration(s.UnresponsiveTimeoutSeconds) * time.Second
}
