package stages

import (
	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// AppSink hands raw frames over to application callbacks. It is the
// terminal stage of the display branch; the console pulls its live
// picture, screenshots and preview feed from here.
//
// Callbacks run on the sink's goroutine, one at a time. A slow callback
// applies backpressure to the branch, which the queue ahead of the sink
// absorbs.
type AppSink struct {
	*core.Base

	onCaps  func(core.Caps)
	onFrame func(core.Frame)
	onEOS   func()

	caps   core.Caps
	warned bool
}

// AppSinkConfig configures an application sink
type AppSinkConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// OnCaps is invoked when the stream format is announced or changes.
	OnCaps func(core.Caps)

	// OnFrame is invoked for every frame after format negotiation.
	OnFrame func(core.Frame)

	// OnEOS is invoked once the stream ends.
	OnEOS func()
}

// NewAppSink creates the sink.
func NewAppSink(cfg AppSinkConfig) *AppSink {
	s := &AppSink{
		onCaps:  cfg.OnCaps,
		onFrame: cfg.OnFrame,
		onEOS:   cfg.OnEOS,
	}
	s.Base = core.NewBase(core.BaseConfig{
		Name:       cfg.Name,
		Logger:     cfg.Logger,
		Bus:        cfg.Bus,
		Handler:    s,
		InputTypes: []core.MediaType{core.MediaTypeRaw},
		InboxSize:  4,
	})
	return s
}

func (s *AppSink) HandleEvent(ev core.Event) {
	logger := s.Logger()
	switch e := ev.(type) {
	case core.CapsEvent:
		s.caps = e.Caps
		logger.Debug().
			Int("width", e.Caps.Width).Int("height", e.Caps.Height).
			Str("format", string(e.Caps.Format)).
			Msg("format negotiated")
		if s.onCaps != nil {
			s.onCaps(e.Caps)
		}
	case core.FrameEvent:
		if s.caps.MediaType == "" {
			if !s.warned {
				s.warned = true
				logger.Warn().Err(core.ErrNotNegotiated).Msg("frame before caps dropped")
				if s.Bus() != nil {
					s.Bus().PostError(s.Name(), core.ErrNotNegotiated)
				}
			}
			return
		}
		if s.onFrame != nil {
			s.onFrame(e.Frame)
		}
	case core.EOSEvent:
		logger.Debug().Msg("end of stream")
		if s.onEOS != nil {
			s.onEOS()
		}
	}
}
