// Package monitor exposes the console to remote observers over WebSocket.
// Observers receive state changes as protocol messages plus a rate-limited
// JPEG preview of the display stream, and may issue operator commands
// back. A slow or broken observer is dropped without disturbing the
// console.
package monitor

import (
	"bytes"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"github.com/rovlink/pipeline/console"
	"github.com/rovlink/pipeline/enhance"
	"github.com/rovlink/pipeline/protocol"
)

const (
	defaultPreviewInterval = 250 * time.Millisecond
	defaultPreviewMaxWidth = 480
	defaultQueueSlots      = 16

	// previewJPEGQuality keeps preview payloads small; stills go through
	// the screenshot path at full quality.
	previewJPEGQuality = 70
)

// Commander is the subset of console operations observers may invoke.
type Commander interface {
	StartPipeline()
	StopPipeline()
	StartRecord(path string)
	StopRecord()
	SaveScreenshot(path string, format console.ImageFormat)
	SetEnhancement(mode enhance.Mode)
}

// Config configures a Monitor.
type Config struct {
	Logger zerolog.Logger

	// Commands receives observer commands. Nil makes the monitor
	// read-only; commands are answered with an error message.
	Commands Commander

	// PreviewInterval spaces video.frame messages. Zero uses the
	// default; negative disables previews.
	PreviewInterval time.Duration

	// PreviewMaxWidth scales previews down to at most this width,
	// keeping aspect. Zero uses the default.
	PreviewMaxWidth int

	// QueueSlots bounds each observer's send queue. An observer that
	// cannot keep up loses its oldest queued message. Zero uses the
	// default.
	QueueSlots int
}

// Monitor is a WebSocket endpoint publishing console events. It
// implements http.Handler; mount it wherever the embedding server
// listens. Feed it with Publish from the console's event callback.
type Monitor struct {
	logger   zerolog.Logger
	commands Commander
	interval time.Duration
	maxWidth int
	slots    int

	mu        sync.Mutex
	observers map[string]*observer
	status    protocol.StatusPayload
	closed    bool

	frameMu sync.Mutex
	frame   *console.VideoFrame

	frameCh chan struct{}
	done    chan struct{}
}

// New creates a monitor and starts its preview encoder.
func New(cfg Config) *Monitor {
	m := &Monitor{
		logger:    cfg.Logger.With().Str("component", "monitor").Logger(),
		commands:  cfg.Commands,
		interval:  cfg.PreviewInterval,
		maxWidth:  cfg.PreviewMaxWidth,
		slots:     cfg.QueueSlots,
		observers: make(map[string]*observer),
		frameCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if m.interval == 0 {
		m.interval = defaultPreviewInterval
	}
	if m.maxWidth <= 0 {
		m.maxWidth = defaultPreviewMaxWidth
	}
	if m.slots <= 0 {
		m.slots = defaultQueueSlots
	}
	if m.interval > 0 {
		go m.previewLoop()
	}
	return m
}

// Close disconnects every observer and stops the preview encoder.
// Publish after Close is a no-op.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	observers := m.snapshotLocked()
	m.observers = make(map[string]*observer)
	m.mu.Unlock()

	close(m.done)
	for _, o := range observers {
		o.stop()
	}
}

// Publish feeds one console event into the monitor. Call it from the
// console's Emit callback; it never blocks, so the console loop is never
// held up by observers.
func (m *Monitor) Publish(ev console.Event) {
	if frame, ok := ev.(console.VideoFrame); ok {
		m.frameMu.Lock()
		m.frame = &frame
		m.frameMu.Unlock()
		select {
		case m.frameCh <- struct{}{}:
		default:
		}
		m.mu.Lock()
		m.status.Width, m.status.Height = frame.Width, frame.Height
		m.mu.Unlock()
		return
	}

	msg := protocol.EventToMessage(ev)
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("marshal failed")
		return
	}

	m.mu.Lock()
	m.updateStatus(ev)
	observers := m.snapshotLocked()
	m.mu.Unlock()
	for _, o := range observers {
		o.send(data)
	}
}

// updateStatus folds a state change into the snapshot late observers
// receive. Caller holds mu.
func (m *Monitor) updateStatus(ev console.Event) {
	switch e := ev.(type) {
	case console.PollingChanged:
		m.status.Polling = e.Polling
		if !e.Polling {
			m.status.Width, m.status.Height = 0, 0
		}
	case console.RecordingChanged:
		m.status.Recording = e.Recording
		if e.Recording {
			m.status.RecordingID, m.status.RecordingPath = e.ID, e.Path
		} else {
			m.status.RecordingID, m.status.RecordingPath = "", ""
		}
	}
}

var upgrader = websocket.Upgrader{
	// Observers are operator tools, not browsers; any origin may attach.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the request and attaches the observer. The status
// snapshot is always the observer's first message.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	o := &observer{
		id:      uuid.NewString(),
		monitor: m,
		conn:    conn,
		queue:   make(chan []byte, m.slots),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	if status, err := json.Marshal(protocol.NewStatusMessage(m.status)); err == nil {
		o.queue <- status
	}
	m.observers[o.id] = o
	m.mu.Unlock()
	m.logger.Info().Str("observer", o.id).Str("remote", r.RemoteAddr).Msg("observer attached")

	go o.writeLoop()
	o.readLoop()
	m.detach(o)
}

// detach removes the observer and tears its connection down. Safe to
// call more than once.
func (m *Monitor) detach(o *observer) {
	m.mu.Lock()
	_, present := m.observers[o.id]
	delete(m.observers, o.id)
	m.mu.Unlock()
	o.stop()
	if present {
		m.logger.Info().Str("observer", o.id).Msg("observer detached")
	}
}

// dispatch decodes one observer command and hands it to the console.
func (m *Monitor) dispatch(o *observer, data []byte) {
	var msg protocol.InputMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.reject(o, "malformed message: "+err.Error())
		return
	}
	if m.commands == nil {
		m.reject(o, "monitor is read-only")
		return
	}
	m.logger.Debug().Str("observer", o.id).Str("type", string(msg.Type)).Msg("command")

	switch msg.Type {
	case protocol.InputPipelineStart:
		m.commands.StartPipeline()
	case protocol.InputPipelineStop:
		m.commands.StopPipeline()
	case protocol.InputRecordStart:
		var p protocol.RecordStartPayload
		if err := msg.DecodePayload(&p); err != nil {
			m.reject(o, "record.start: "+err.Error())
			return
		}
		m.commands.StartRecord(p.Path)
	case protocol.InputRecordStop:
		m.commands.StopRecord()
	case protocol.InputScreenshotSave:
		var p protocol.ScreenshotSavePayload
		if err := msg.DecodePayload(&p); err != nil {
			m.reject(o, "screenshot.save: "+err.Error())
			return
		}
		var format console.ImageFormat
		if p.Format != "" {
			parsed, err := console.ParseImageFormat(p.Format)
			if err != nil {
				m.reject(o, "screenshot.save: "+err.Error())
				return
			}
			format = parsed
		}
		m.commands.SaveScreenshot(p.Path, format)
	case protocol.InputEnhanceSet:
		var p protocol.EnhanceSetPayload
		if err := msg.DecodePayload(&p); err != nil {
			m.reject(o, "enhance.set: "+err.Error())
			return
		}
		mode, err := enhance.ParseMode(p.Mode)
		if err != nil {
			m.reject(o, "enhance.set: "+err.Error())
			return
		}
		m.commands.SetEnhancement(mode)
	default:
		m.reject(o, "unknown command "+string(msg.Type))
	}
}

// reject answers one observer with an error message.
func (m *Monitor) reject(o *observer, text string) {
	if data, err := json.Marshal(protocol.NewErrorMessage(text)); err == nil {
		o.send(data)
	}
}

// previewLoop encodes at most one preview per interval, away from the
// console loop so JPEG work never delays it.
func (m *Monitor) previewLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.frameCh:
		}

		m.frameMu.Lock()
		frame := m.frame
		m.frame = nil
		m.frameMu.Unlock()
		if frame == nil {
			continue
		}

		m.mu.Lock()
		observers := m.snapshotLocked()
		m.mu.Unlock()
		if len(observers) == 0 {
			continue
		}

		data, err := m.encodePreview(*frame)
		if err != nil {
			m.logger.Error().Err(err).Msg("preview encode failed")
			continue
		}
		for _, o := range observers {
			o.send(data)
		}

		select {
		case <-m.done:
			return
		case <-time.After(m.interval):
		}
	}
}

// encodePreview scales the frame down to the preview width and marshals
// the video.frame message around the JPEG.
func (m *Monitor) encodePreview(frame console.VideoFrame) ([]byte, error) {
	img, err := console.RGBAImage(frame.RGB, frame.Width, frame.Height)
	if err != nil {
		return nil, err
	}
	if frame.Width > m.maxWidth {
		h := frame.Height * m.maxWidth / frame.Width
		if h < 1 {
			h = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, m.maxWidth, h))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = scaled
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		return nil, err
	}
	return json.Marshal(protocol.NewVideoFrameMessage(frame.Width, frame.Height, buf.Bytes()))
}

// snapshotLocked copies the observer set. Caller holds mu.
func (m *Monitor) snapshotLocked() []*observer {
	observers := make([]*observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	return observers
}

// observer is one attached WebSocket client
type observer struct {
	id      string
	monitor *Monitor
	conn    *websocket.Conn
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// send queues data without blocking. A full queue drops its oldest
// message, the same leaky discipline the display queue uses.
func (o *observer) send(data []byte) {
	for {
		select {
		case <-o.done:
			return
		case o.queue <- data:
			return
		default:
		}
		select {
		case <-o.queue:
			o.monitor.logger.Debug().Str("observer", o.id).Msg("send queue full, dropped oldest")
		default:
		}
	}
}

func (o *observer) writeLoop() {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.queue:
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				o.monitor.logger.Warn().Err(err).Str("observer", o.id).Msg("write failed")
				o.monitor.detach(o)
				return
			}
		}
	}
}

// readLoop runs on the HTTP handler goroutine until the connection
// drops.
func (o *observer) readLoop() {
	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			return
		}
		o.monitor.dispatch(o, data)
	}
}

// stop closes the connection and wakes the write loop. Idempotent.
func (o *observer) stop() {
	o.once.Do(func() {
		close(o.done)
		o.conn.Close()
	})
}
