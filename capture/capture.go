//go:build gstcapture

package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/providers"
)

// GstSource heads a graph with frames decoded by the host GStreamer
// installation:
//
//	rtspsrc → depay → avdec → videoconvert → capsfilter(RGB) → appsink
//
// It implements core.Stage and emits RGB frames, so everything that hangs
// off tee_decoded in the portable graph runs unchanged on top of it. The
// GStreamer graph is created at Ready and torn down at Null.
type GstSource struct {
	*core.Base

	location string
	codec    providers.Codec
	latency  time.Duration

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	width    int
	height   int
	started  time.Time
	busQuit  chan struct{}
	busWG    sync.WaitGroup
}

// GstSourceConfig configures a GStreamer-backed source
type GstSourceConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// Location is the rtsp:// URL of the camera.
	Location string

	// Codec selects the depayloader and software decoder elements.
	Codec providers.Codec

	// Latency sizes the rtspsrc jitter buffer. Zero keeps the element
	// default.
	Latency time.Duration
}

// NewGstSource creates the source. Every instance carries its own session
// id in its log context, so interleaved capture runs stay separable.
func NewGstSource(cfg GstSourceConfig) *GstSource {
	s := &GstSource{
		location: cfg.Location,
		codec:    cfg.Codec,
		latency:  cfg.Latency,
	}
	s.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger.With().Str("session", uuid.NewString()).Logger(),
		Bus:         cfg.Bus,
		Handler:     s,
		OutputTypes: []core.MediaType{core.MediaTypeRaw},
	})
	return s
}

// HandleEvent ignores input; a source has none.
func (s *GstSource) HandleEvent(ev core.Event) {
	s.Logger().Debug().Str("event", string(ev.EventType())).Msg("source ignores input events")
}

// OnStateChange keeps the GStreamer graph tracking the stage state.
func (s *GstSource) OnStateChange(from, to core.State) error {
	switch {
	case from == core.StateNull && to == core.StateReady:
		return s.build()

	case from == core.StateReady && to == core.StatePaused:
		return s.setGstState(gst.StatePaused)

	case from == core.StatePaused && to == core.StatePlaying:
		s.mu.Lock()
		s.started = time.Now()
		s.mu.Unlock()
		return s.setGstState(gst.StatePlaying)

	case from == core.StatePlaying && to == core.StatePaused:
		return s.setGstState(gst.StatePaused)

	case from == core.StateReady && to == core.StateNull:
		s.teardown()
	}
	return nil
}

// build assembles the GStreamer graph and starts the bus watch. The
// rtspsrc pad appears only after the session is negotiated, so it is
// linked from the pad-added callback.
func (s *GstSource) build() error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("gst pipeline: %w", err)
	}

	src, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("gst rtspsrc: %w", err)
	}
	src.SetProperty("location", s.location)
	src.SetProperty("protocols", 4) // TCP interleaved, matching the portable source
	if s.latency > 0 {
		src.SetProperty("latency", int(s.latency/time.Millisecond))
	}

	depayName := providers.DepayElementName(s.codec)
	depay, err := gst.NewElement(depayName)
	if err != nil {
		return fmt.Errorf("gst %s: %w", depayName, err)
	}

	decName := providers.DecoderElementName(providers.VideoDecoder{
		Codec:    s.codec,
		Provider: providers.ProviderAVCodec,
	})
	dec, err := gst.NewElement(decName)
	if err != nil {
		return fmt.Errorf("gst %s: %w", decName, err)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("gst videoconvert: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("gst capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=RGB"))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gst appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, depay, dec, convert, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(depay, dec, convert, capsfilter, sink.Element); err != nil {
		return fmt.Errorf("gst link: %w", err)
	}

	src.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			s.Logger().Error().Msg("depayloader has no sink pad")
			return
		}
		if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
			s.Logger().Error().Str("pad", pad.GetName()).Msg("pad link failed")
			return
		}
		s.Logger().Debug().Str("pad", pad.GetName()).Msg("source pad linked")
	})

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
	})

	quit := make(chan struct{})
	s.mu.Lock()
	s.pipeline = pipeline
	s.sink = sink
	s.busQuit = quit
	s.mu.Unlock()

	s.busWG.Add(1)
	go s.pumpBus(pipeline, quit)

	s.Logger().Info().Str("location", s.location).Str("decoder", decName).Msg("capture graph built")
	return nil
}

func (s *GstSource) setGstState(state gst.State) error {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return fmt.Errorf("capture %s: no graph", s.Name())
	}
	if err := pipeline.SetState(state); err != nil {
		return fmt.Errorf("capture %s: %w", s.Name(), err)
	}
	return nil
}

func (s *GstSource) teardown() {
	s.mu.Lock()
	pipeline := s.pipeline
	quit := s.busQuit
	s.pipeline = nil
	s.sink = nil
	s.busQuit = nil
	s.width, s.height = 0, 0
	s.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	s.busWG.Wait()
	if pipeline != nil {
		if err := pipeline.SetState(gst.StateNull); err != nil {
			s.Logger().Warn().Err(err).Msg("gst teardown failed")
		}
	}
}

// onSample copies one decoded frame out of GStreamer and pushes it
// downstream. Runs on the GStreamer streaming thread.
func (s *GstSource) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	width, height, ok := s.geometry()
	if !ok {
		s.Logger().Warn().Msg("frame before geometry is known, dropped")
		return gst.FlowOK
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	s.Send(core.FrameEvent{Frame: core.Frame{
		Format: core.PixelFormatRGB,
		Width:  width,
		Height: height,
		Data:   pixels,
		PTS:    time.Since(started),
	}})
	return gst.FlowOK
}

// geometry reads the negotiated frame size off the appsink pad the first
// time it is needed and announces it downstream.
func (s *GstSource) geometry() (int, int, bool) {
	s.mu.Lock()
	if s.width > 0 {
		w, h := s.width, s.height
		s.mu.Unlock()
		return w, h, true
	}
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return 0, 0, false
	}

	pad := sink.Element.GetStaticPad("sink")
	if pad == nil {
		return 0, 0, false
	}
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, false
	}
	structure := caps.GetStructureAt(0)

	width, height := 0, 0
	if val, err := structure.GetValue("width"); err == nil {
		if v, ok := val.(int); ok {
			width = v
		}
	}
	if val, err := structure.GetValue("height"); err == nil {
		if v, ok := val.(int); ok {
			height = v
		}
	}
	if width <= 0 || height <= 0 {
		return 0, 0, false
	}

	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()

	s.Send(core.CapsEvent{Caps: core.Caps{
		MediaType: core.MediaTypeRaw,
		Width:     width,
		Height:    height,
		Format:    core.PixelFormatRGB,
	}})
	s.Logger().Info().Int("width", width).Int("height", height).Msg("capture geometry")
	return width, height, true
}

// pumpBus drains the GStreamer bus, surfacing stream errors and end of
// stream on the stage's own bus and output.
func (s *GstSource) pumpBus(pipeline *gst.Pipeline, quit <-chan struct{}) {
	defer s.busWG.Done()
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-quit:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			s.Logger().Info().Msg("capture stream ended")
			s.Send(core.EOSEvent{})
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			s.Logger().Error().Str("debug", gerr.DebugString()).Msg(gerr.Error())
			if s.Bus() != nil {
				s.Bus().PostError(s.Name(), fmt.Errorf("gstreamer: %s", gerr.Error()))
			}
			return
		}
	}
}
