// Package console implements the operator-facing core of the video link:
// it owns the media graph lifecycle, recording branches, screenshots and
// display enhancement, and reports every state change through emitted
// events. All mutation runs on a single control loop; operations return
// immediately and their outcome is observed through the events.
package console

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline"
	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/enhance"
	"github.com/rovlink/pipeline/eventloop"
	"github.com/rovlink/pipeline/future"
	"github.com/rovlink/pipeline/providers"
)

// Config configures a Console.
type Config struct {
	Logger zerolog.Logger

	// Settings is the starting configuration. It must validate.
	Settings Settings

	// Emit receives console events on the control loop goroutine, one
	// at a time. Nil discards events.
	Emit func(Event)

	// Registry resolves codecs against the host. Nil probes the host
	// once at construction.
	Registry *providers.Registry
}

// Console drives the video subsystem on behalf of the operator UI.
// Construct with New, then run the control loop with Run; every
// operation posts onto that loop and never blocks the caller.
type Console struct {
	logger   zerolog.Logger
	loop     *eventloop.Loop
	bus      *core.Bus
	registry *providers.Registry
	emit     func(Event)

	// Fields below are owned by the loop goroutine.
	settings    Settings
	graph       *pipeline.Graph
	polling     bool
	recording   *pipeline.Branch
	recordFlush *future.Future[struct{}]
	recordID    string
	recordPath  string
	closing     bool

	// frameMu guards the state shared with the display sink goroutine.
	frameMu sync.Mutex
	mode    enhance.Mode
	lastRGB []byte
	width   int
	height  int
}

// New creates a console. The control loop does not run until Run is
// called; operations invoked before that queue up.
func New(cfg Config) (*Console, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	mode, err := cfg.Settings.EnhancementMode()
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = providers.NewRegistry(context.Background(), providers.RegistryConfig{Logger: cfg.Logger})
	}

	loop := eventloop.New(cfg.Logger)
	c := &Console{
		logger:   cfg.Logger.With().Str("component", "console").Logger(),
		loop:     loop,
		bus:      core.NewBus(loop),
		registry: registry,
		emit:     cfg.Emit,
		settings: cfg.Settings,
		mode:     mode,
	}
	loop.Post(func() {
		c.bus.SetWatcher(c.onBusMessage)
	})
	return c, nil
}

// Run processes operations and pipeline callbacks until Close. It
// blocks; callers with other work run it on its own goroutine.
func (c *Console) Run() {
	c.loop.Run()
}

// Close stops whatever is running and shuts the control loop down once
// the teardown has completed. With the unresponsive watchdog disabled, a
// recording flush that never finishes leaves Run blocked.
func (c *Console) Close() {
	c.loop.Post(func() {
		c.closing = true
		if c.graph == nil {
			c.loop.Close()
			return
		}
		c.stopPipeline()
	})
}

// StartPipeline builds the video graph from the current settings and
// starts it. PollingChanged(true) is emitted before any frame.
func (c *Console) StartPipeline() {
	c.loop.Post(c.startPipeline)
}

// StopPipeline stops the video graph. A recording in progress is
// detached and flushed first, then the graph comes down and
// PollingChanged(false) is emitted.
func (c *Console) StopPipeline() {
	c.loop.Post(c.stopPipeline)
}

// StartRecord attaches a recording branch to the running graph. An
// empty path lands the file in the configured recording directory under
// a timestamp name. Completion is reported as RecordingChanged(true).
func (c *Console) StartRecord(path string) {
	c.loop.Post(func() { c.startRecord(path) })
}

// StopRecord detaches the recording branch and flushes it to disk.
// RecordingChanged(false) follows once the file is complete.
func (c *Console) StopRecord() {
	c.loop.Post(c.stopRecord)
}

// SaveScreenshot encodes the most recent display frame to a file. An
// empty path lands the file in the configured screenshot directory; an
// empty format uses the configured one. The outcome arrives as a toast,
// failures never disturb playback.
func (c *Console) SaveScreenshot(path string, format ImageFormat) {
	c.loop.Post(func() { c.saveScreenshot(path, format) })
}

// SetEnhancement switches the display enhancement mode. It applies from
// the next frame; recordings are never affected.
func (c *Console) SetEnhancement(mode enhance.Mode) {
	c.loop.Post(func() {
		c.frameMu.Lock()
		c.mode = mode
		c.frameMu.Unlock()
		c.logger.Info().Str("mode", string(mode)).Msg("enhancement changed")
	})
}

// UpdateSettings replaces the configuration wholesale. The enhancement
// mode applies immediately; everything else takes effect when the next
// pipeline starts.
func (c *Console) UpdateSettings(s Settings) {
	c.loop.Post(func() {
		if err := s.Validate(); err != nil {
			c.fail(fmt.Errorf("settings rejected: %w", err))
			return
		}
		c.settings = s
		mode, _ := s.EnhancementMode()
		c.frameMu.Lock()
		c.mode = mode
		c.frameMu.Unlock()
		c.logger.Info().Msg("settings updated")
	})
}

func (c *Console) startPipeline() {
	if c.graph != nil {
		c.logger.Debug().Msg("start ignored, video already running")
		return
	}

	decoder, err := c.settings.Decoder()
	if err != nil {
		c.fail(err)
		return
	}
	colorspace, err := c.settings.ColorspaceMethod()
	if err != nil {
		c.fail(err)
		return
	}

	graph, err := pipeline.BuildVideoPipeline(pipeline.VideoConfig{
		Logger:        c.logger,
		Bus:           c.bus,
		URL:           c.settings.VideoURL,
		Decoder:       decoder,
		Colorspace:    colorspace,
		Registry:      c.registry,
		JitterLatency: c.settings.JitterLatency(),
		LeakyDisplay:  c.settings.LeakyQueue,
		OnCaps:        c.onSinkCaps,
		OnFrame:       c.onSinkFrame,
		OnEOS:         c.onSinkEOS,
	})
	if err != nil {
		c.fail(fmt.Errorf("start video: %w", err))
		return
	}

	if err := graph.SetState(core.StatePlaying); err != nil {
		if ferr := graph.ForceStop(); ferr != nil {
			c.logger.Error().Err(ferr).Msg("cleanup after failed start")
		}
		c.fail(fmt.Errorf("start video: %w", err))
		return
	}

	c.graph = graph
	c.polling = true
	c.logger.Info().Str("url", c.settings.VideoURL).Msg("video started")
	c.emitEvent(PollingChanged{Polling: true})
}

func (c *Console) stopPipeline() {
	if c.graph == nil {
		c.logger.Debug().Msg("stop ignored, video not running")
		if c.closing {
			c.loop.Close()
		}
		return
	}

	// A recording must land on disk before the graph it hangs off is
	// torn down. Collect every pending flush and stop after all of them.
	var flushes []*future.Future[struct{}]
	if c.recording != nil {
		switch c.recording.State() {
		case pipeline.BranchAttached:
			if fut := c.detachRecording(); fut != nil {
				flushes = append(flushes, fut)
			}
		case pipeline.BranchFlushing:
			if c.recordFlush != nil {
				flushes = append(flushes, c.recordFlush)
			}
		}
	}

	if len(flushes) == 0 {
		c.finishStop()
		return
	}
	future.Sequence(c.loop, flushes).ForEach(func([]struct{}) {
		c.finishStop()
	})
}

// finishStop brings the graph down and invalidates everything scoped to
// it: the frame geometry, the screenshot frame, the polling state.
func (c *Console) finishStop() {
	if c.graph == nil {
		return
	}
	if err := c.graph.SetState(core.StateNull); err != nil {
		c.logger.Error().Err(err).Msg("graph refused to stop")
		if ferr := c.graph.ForceStop(); ferr != nil {
			c.logger.Error().Err(ferr).Msg("force stop")
		}
	}
	c.graph = nil
	c.polling = false
	c.clearFrame()
	c.logger.Info().Msg("video stopped")
	c.emitEvent(PollingChanged{Polling: false})
	if c.closing {
		c.loop.Close()
	}
}

func (c *Console) startRecord(path string) {
	if c.graph == nil {
		c.fail(errors.New("recording needs a running video stream"))
		return
	}
	if c.recording != nil {
		c.fail(errors.New("recording already in progress"))
		return
	}

	decoder, err := c.settings.Decoder()
	if err != nil {
		c.fail(err)
		return
	}
	encoder, err := c.settings.Encoder()
	if err != nil {
		c.fail(err)
		return
	}
	if path == "" {
		path = filepath.Join(c.settings.RecordingDir, timestampName(time.Now())+".mkv")
	}

	// Same codec in and out means the compressed stream is copied
	// straight from tee_source; anything else decodes and re-encodes
	// from tee_decoded.
	var (
		chain   []core.Stage
		teeName string
	)
	if encoder.Codec == decoder.Codec {
		teeName = pipeline.TeeSource
		chain = pipeline.NewStreamRecordingChain(pipeline.StreamRecordingConfig{
			Logger: c.logger,
			Bus:    c.bus,
			Codec:  decoder.Codec,
			Path:   path,
		})
	} else {
		resolved, err := c.registry.ResolveEncoder(encoder)
		if err != nil {
			c.fail(fmt.Errorf("start recording: %w", err))
			return
		}
		teeName = pipeline.TeeDecoded
		chain = pipeline.NewTranscodeRecordingChain(pipeline.TranscodeRecordingConfig{
			Logger:  c.logger,
			Bus:     c.bus,
			Encoder: resolved,
			Path:    path,
		})
	}

	tee, ok := c.graph.StageByName(teeName).(core.PortProvider)
	if !ok {
		c.fail(fmt.Errorf("start recording: graph has no %s", teeName))
		return
	}
	branch, err := pipeline.NewBranch(pipeline.BranchConfig{
		Name:   "recording",
		Logger: c.logger,
		Tee:    tee,
		Chain:  chain,
	})
	if err != nil {
		c.fail(fmt.Errorf("start recording: %w", err))
		return
	}
	if err := branch.Attach(c.graph.State()); err != nil {
		c.fail(fmt.Errorf("start recording: %w", err))
		return
	}

	c.recording = branch
	c.recordID = branch.ID()
	c.recordPath = path
	c.logger.Info().Str("id", c.recordID).Str("path", path).Str("tee", teeName).Msg("recording started")
	c.emitEvent(RecordingChanged{Recording: true, ID: c.recordID, Path: path})
}

func (c *Console) stopRecord() {
	if c.recording == nil {
		c.logger.Debug().Msg("stop recording ignored, not recording")
		return
	}
	if c.recording.State() != pipeline.BranchAttached {
		c.logger.Debug().Str("state", string(c.recording.State())).Msg("stop recording ignored, flush in progress")
		return
	}
	c.detachRecording()
}

// detachRecording starts the detach flush and arms the unresponsive
// watchdog around it. The returned future resolves once the recording
// file is complete and the branch is dismantled.
func (c *Console) detachRecording() *future.Future[struct{}] {
	branch := c.recording
	id, path := c.recordID, c.recordPath

	fut, err := branch.Detach(c.loop)
	if err != nil {
		c.fail(fmt.Errorf("stop recording: %w", err))
		return nil
	}
	c.recordFlush = fut

	watchdog := c.armWatchdog()
	fut.ForEach(func(struct{}) {
		if watchdog != nil {
			watchdog.Stop()
		}
		c.recording = nil
		c.recordFlush = nil
		c.recordID = ""
		c.recordPath = ""
		c.logger.Info().Str("id", id).Str("path", path).Msg("recording stopped")
		c.emitEvent(RecordingChanged{Recording: false, ID: id, Path: path})
		c.toast("recording saved to " + path)
	})
	return fut
}

// armWatchdog schedules the unresponsive force-stop. Nil when the
// timeout is disabled.
func (c *Console) armWatchdog() *eventloop.Timer {
	timeout := c.settings.UnresponsiveTimeout()
	if timeout <= 0 {
		return nil
	}
	return c.loop.AfterFunc(timeout, c.onUnresponsive)
}

// onUnresponsive abandons a flush that outlived the configured timeout:
// the graph is driven to Null no matter what, the branch is force
// detached, and the operator is told once.
func (c *Console) onUnresponsive() {
	if c.graph == nil && c.recording == nil {
		return
	}
	c.logger.Warn().Msg("pipeline unresponsive, force-stopped")
	c.emitEvent(ErrorMessage{Text: "pipeline unresponsive, force-stopped"})

	if c.graph != nil {
		if err := c.graph.ForceStop(); err != nil {
			c.logger.Error().Err(err).Msg("force stop")
		}
		c.graph = nil
	}
	if c.recording != nil {
		c.recording.ForceDetach()
		id, path := c.recordID, c.recordPath
		c.recording = nil
		c.recordFlush = nil
		c.recordID = ""
		c.recordPath = ""
		c.emitEvent(RecordingChanged{Recording: false, ID: id, Path: path})
	}
	c.polling = false
	c.clearFrame()
	c.emitEvent(PollingChanged{Polling: false})
	if c.closing {
		c.loop.Close()
	}
}

func (c *Console) saveScreenshot(path string, format ImageFormat) {
	if format == "" {
		parsed, err := ParseImageFormat(c.settings.ScreenshotFormat)
		if err != nil {
			c.fail(fmt.Errorf("screenshot: %w", err))
			return
		}
		format = parsed
	}

	c.frameMu.Lock()
	rgb, width, height := c.lastRGB, c.width, c.height
	c.frameMu.Unlock()
	if rgb == nil {
		c.fail(errors.New("screenshot: no frame received yet"))
		return
	}

	if path == "" {
		path = filepath.Join(c.settings.ScreenshotDir, timestampName(time.Now())+format.Ext())
	}
	f, err := os.Create(path)
	if err != nil {
		c.fail(fmt.Errorf("screenshot: %w", err))
		return
	}
	if err := EncodeImage(f, format, rgb, width, height); err != nil {
		f.Close()
		c.fail(fmt.Errorf("screenshot %s: %w", path, err))
		return
	}
	if err := f.Close(); err != nil {
		c.fail(fmt.Errorf("screenshot %s: %w", path, err))
		return
	}
	c.logger.Info().Str("path", path).Msg("screenshot saved")
	c.toast("screenshot saved to " + path)
}

// onSinkCaps records the negotiated geometry. Runs on the display sink
// goroutine.
func (c *Console) onSinkCaps(caps core.Caps) {
	c.frameMu.Lock()
	c.width, c.height = caps.Width, caps.Height
	c.frameMu.Unlock()
}

// onSinkFrame enhances and forwards one display frame. Runs on the
// display sink goroutine; the emitted bitmap is a copy the receiver
// owns, the enhanced frame itself is retained for screenshots.
func (c *Console) onSinkFrame(f core.Frame) {
	c.frameMu.Lock()
	mode := c.mode
	c.frameMu.Unlock()

	enhanced := enhance.Apply(mode, f.Data, f.Width, f.Height)

	c.frameMu.Lock()
	c.lastRGB = enhanced
	c.width, c.height = f.Width, f.Height
	c.frameMu.Unlock()

	bitmap := make([]byte, len(enhanced))
	copy(bitmap, enhanced)
	c.loop.Post(func() {
		// A stop queued behind this frame must win: no frames after
		// PollingChanged(false).
		if !c.polling {
			return
		}
		c.emitEvent(VideoFrame{Width: f.Width, Height: f.Height, RGB: bitmap})
	})
}

func (c *Console) onSinkEOS() {
	c.loop.Post(func() {
		if !c.polling {
			return
		}
		c.logger.Info().Msg("video stream ended")
		c.toast("video stream ended")
	})
}

// onBusMessage surfaces out-of-band stage reports. Faults are reported,
// never retried; the operator re-issues the action.
func (c *Console) onBusMessage(msg core.Message) {
	switch msg.Type {
	case core.MessageError:
		c.logger.Error().Str("source", msg.Source).Err(msg.Err).Msg("pipeline fault")
		c.emitEvent(ErrorMessage{Text: msg.Source + ": " + msg.Text})
	case core.MessageWarning:
		c.logger.Warn().Str("source", msg.Source).Str("text", msg.Text).Msg("pipeline warning")
		c.toast(msg.Text)
	}
}

func (c *Console) clearFrame() {
	c.frameMu.Lock()
	c.lastRGB = nil
	c.width, c.height = 0, 0
	c.frameMu.Unlock()
}

func (c *Console) fail(err error) {
	c.logger.Error().Err(err).Msg("operation failed")
	c.emitEvent(ErrorMessage{Text: err.Error()})
}

func (c *Console) toast(text string) {
	c.emitEvent(ToastMessage{Text: text})
}

func (c *Console) emitEvent(ev Event) {
	if c.emit != nil {
		c.emit(ev)
	}
}
