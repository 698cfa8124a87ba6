package pipeline

import (
	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/providers"
	"github.com/rovlink/pipeline/stages"
)

// Recording chains are branches attached to a running video graph. The
// stream-copy chain hangs off tee_source and writes the compressed stream
// as received; the transcode chain hangs off tee_decoded and re-encodes
// decoded frames. Both end in a Matroska file.

// StreamRecordingConfig configures a stream-copy recording chain.
type StreamRecordingConfig struct {
	Logger zerolog.Logger
	Bus    *core.Bus

	// Codec is the compressed stream codec flowing at tee_source.
	Codec providers.Codec

	// Path is the Matroska file to create.
	Path string
}

// NewStreamRecordingChain builds the chain recording the compressed
// stream without re-encoding:
//
//	queue → [parse] → matroska mux → file
//
// Attach it at tee_source. The parser runs only for codecs that need
// reframing and parameter-set extraction ahead of the muxer.
func NewStreamRecordingChain(cfg StreamRecordingConfig) []core.Stage {
	chain := []core.Stage{
		stages.NewQueue(stages.QueueConfig{Name: "record_queue", Logger: cfg.Logger}),
	}
	if cfg.Codec.RequiresParser() {
		chain = append(chain, newParser(cfg.Codec, "record_parse", cfg.Logger, cfg.Bus))
	}
	return append(chain,
		stages.NewMatroskaMux(stages.MatroskaMuxConfig{
			Name:   "record_mux",
			Logger: cfg.Logger,
			Bus:    cfg.Bus,
		}),
		stages.NewFileSink(stages.FileSinkConfig{
			Name:   "record_sink",
			Logger: cfg.Logger,
			Bus:    cfg.Bus,
			Path:   cfg.Path,
		}),
	)
}

// TranscodeRecordingConfig configures a re-encoding recording chain.
type TranscodeRecordingConfig struct {
	Logger zerolog.Logger
	Bus    *core.Bus

	// Encoder is the resolved encode capability producing the recorded
	// stream.
	Encoder providers.Encoder

	// Path is the Matroska file to create.
	Path string

	// Spawn overrides how the encode process is started. Tests use it to
	// substitute a synthetic encoder; nil uses the encoder's own backend.
	Spawn providers.SpawnFunc
}

// NewTranscodeRecordingChain builds the chain re-encoding decoded frames:
//
//	queue → convert → encoder → [parse] → matroska mux → file
//
// Attach it at tee_decoded. The converter pins the encoder's input pixel
// format; the parser rebuilds caps with the parameter sets the muxer
// needs for the H.26x family.
func NewTranscodeRecordingChain(cfg TranscodeRecordingConfig) []core.Stage {
	chain := []core.Stage{
		stages.NewQueue(stages.QueueConfig{Name: "record_queue", Logger: cfg.Logger}),
		stages.NewVideoConvert(stages.VideoConvertConfig{
			Name:   "record_convert",
			Logger: cfg.Logger,
			Bus:    cfg.Bus,
			Format: core.PixelFormatI420,
		}),
		stages.NewAVEncode(stages.AVEncodeConfig{
			Name:    cfg.Encoder.Element,
			Logger:  cfg.Logger,
			Bus:     cfg.Bus,
			Encoder: cfg.Encoder,
			Spawn:   cfg.Spawn,
		}),
	}
	if cfg.Encoder.Codec.RequiresParser() {
		chain = append(chain, newParser(cfg.Encoder.Codec, "record_parse", cfg.Logger, cfg.Bus))
	}
	return append(chain,
		stages.NewMatroskaMux(stages.MatroskaMuxConfig{
			Name:   "record_mux",
			Logger: cfg.Logger,
			Bus:    cfg.Bus,
		}),
		stages.NewFileSink(stages.FileSinkConfig{
			Name:   "record_sink",
			Logger: cfg.Logger,
			Bus:    cfg.Bus,
			Path:   cfg.Path,
		}),
	)
}
