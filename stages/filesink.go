package stages

import (
	"bufio"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

const fileSinkBufferSize = 128 * 1024

// FileSink writes every packet it receives to a file, in arrival
// order. The file is created when the stage reaches Ready and closed
// when it returns to Null; end of stream flushes buffered bytes so the
// file is complete before the branch is torn down.
type FileSink struct {
	*core.Base

	path    string
	file    *os.File
	w       *bufio.Writer
	written uint64
	failed  bool
}

// FileSinkConfig configures a file sink
type FileSinkConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// Path is the file to create. An existing file is truncated.
	Path string
}

// NewFileSink creates the sink. The file is not touched until the
// stage reaches Ready.
func NewFileSink(cfg FileSinkConfig) *FileSink {
	s := &FileSink{path: cfg.Path}
	s.Base = core.NewBase(core.BaseConfig{
		Name:       cfg.Name,
		Logger:     cfg.Logger,
		Bus:        cfg.Bus,
		Handler:    s,
		InputTypes: []core.MediaType{core.MediaTypeWildcard},
		InboxSize:  32,
	})
	return s
}

// Path returns the file being written.
func (s *FileSink) Path() string {
	return s.path
}

// OnStateChange creates the file on the way to Ready and closes it on
// the way back to Null.
func (s *FileSink) OnStateChange(from, to core.State) error {
	logger := s.Logger()
	switch {
	case from == core.StateNull && to == core.StateReady:
		file, err := os.Create(s.path)
		if err != nil {
			return fmt.Errorf("create %s: %w", s.path, err)
		}
		s.file = file
		s.w = bufio.NewWriterSize(file, fileSinkBufferSize)
		s.written = 0
		s.failed = false
		logger.Info().Str("path", s.path).Msg("file opened")

	case from == core.StateReady && to == core.StateNull:
		if s.file == nil {
			return nil
		}
		if err := s.w.Flush(); err != nil && !s.failed {
			logger.Warn().Err(err).Msg("flush failed")
		}
		if err := s.file.Close(); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
		logger.Info().
			Str("path", s.path).Uint64("bytes", s.written).
			Msg("file closed")
		s.file = nil
		s.w = nil
	}
	return nil
}

func (s *FileSink) HandleEvent(ev core.Event) {
	logger := s.Logger()
	switch e := ev.(type) {
	case core.PacketEvent:
		if s.failed || s.w == nil {
			return
		}
		n, err := s.w.Write(e.Data)
		s.written += uint64(n)
		if err != nil {
			s.failed = true
			werr := fmt.Errorf("write %s: %w", s.path, err)
			logger.Error().Err(werr).Msg("write failed")
			if s.Bus() != nil {
				s.Bus().PostError(s.Name(), werr)
			}
		}
	case core.EOSEvent:
		if s.w != nil && !s.failed {
			if err := s.w.Flush(); err != nil {
				logger.Warn().Err(err).Msg("flush failed")
			}
		}
		logger.Debug().Uint64("bytes", s.written).Msg("end of stream")
	}
}
