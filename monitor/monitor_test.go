package monitor

import (
	"bytes"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rovlink/pipeline/console"
	"github.com/rovlink/pipeline/enhance"
	"github.com/rovlink/pipeline/protocol"
)

// fakeCommander records dispatched commands in call order.
type fakeCommander struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommander) note(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCommander) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCommander) StartPipeline() { f.note("pipeline.start") }
func (f *fakeCommander) StopPipeline()  { f.note("pipeline.stop") }
func (f *fakeCommander) StartRecord(path string) {
	f.note("record.start " + path)
}
func (f *fakeCommander) StopRecord() { f.note("record.stop") }
func (f *fakeCommander) SaveScreenshot(path string, format console.ImageFormat) {
	f.note("screenshot.save " + path + " " + string(format))
}
func (f *fakeCommander) SetEnhancement(mode enhance.Mode) {
	f.note("enhance.set " + string(mode))
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, string) {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	m := New(cfg)
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return m, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialObserver(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wireMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// waitWire reads until a message of the wanted type arrives, skipping
// previews and other traffic interleaved on the connection.
func waitWire(t *testing.T, conn *websocket.Conn, typ string) wireMessage {
	t.Helper()
	for {
		msg := readWire(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func writeCommand(t *testing.T, conn *websocket.Conn, typ protocol.InputMessageType, payload any) {
	t.Helper()
	msg := protocol.InputMessage{Type: typ, ID: uuid.NewString(), Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		msg.Payload = raw
	}
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteJSON(msg))
}

func errorText(t *testing.T, msg wireMessage) string {
	t.Helper()
	var p struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p.Message
}

func TestMonitorStatusSnapshotFirst(t *testing.T) {
	m, url := newTestMonitor(t, Config{PreviewInterval: 10 * time.Millisecond})

	m.Publish(console.PollingChanged{Polling: true})
	m.Publish(console.VideoFrame{Width: 4, Height: 2, RGB: make([]byte, 24)})
	m.Publish(console.RecordingChanged{Recording: true, ID: "rec-1", Path: "/videos/dive.mkv"})

	conn := dialObserver(t, url)
	msg := readWire(t, conn)
	require.Equal(t, "status", msg.Type)

	var status protocol.StatusPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &status))
	require.True(t, status.Polling)
	require.True(t, status.Recording)
	require.Equal(t, "rec-1", status.RecordingID)
	require.Equal(t, "/videos/dive.mkv", status.RecordingPath)
	require.Equal(t, 4, status.Width)
	require.Equal(t, 2, status.Height)

	m.Publish(console.RecordingChanged{Recording: false, ID: "rec-1", Path: "/videos/dive.mkv"})
	m.Publish(console.PollingChanged{Polling: false})

	late := dialObserver(t, url)
	msg = readWire(t, late)
	require.Equal(t, "status", msg.Type)

	status = protocol.StatusPayload{}
	require.NoError(t, json.Unmarshal(msg.Payload, &status))
	require.False(t, status.Polling)
	require.False(t, status.Recording)
	require.Empty(t, status.RecordingID)
	require.Zero(t, status.Width)
	require.Zero(t, status.Height)
}

func TestMonitorBroadcastsEvents(t *testing.T) {
	m, url := newTestMonitor(t, Config{})

	a := dialObserver(t, url)
	b := dialObserver(t, url)
	waitWire(t, a, "status")
	waitWire(t, b, "status")

	m.Publish(console.ToastMessage{Text: "recording saved to /videos/dive.mkv"})
	for _, conn := range []*websocket.Conn{a, b} {
		msg := waitWire(t, conn, "toast.show")
		var p struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		require.Equal(t, "recording saved to /videos/dive.mkv", p.Text)
	}

	m.Publish(console.ErrorMessage{Text: "decoder: boom"})
	require.Equal(t, "decoder: boom", errorText(t, waitWire(t, a, "error")))
}

func TestMonitorPreviewScalesWideFrames(t *testing.T) {
	m, url := newTestMonitor(t, Config{PreviewInterval: 10 * time.Millisecond})
	conn := dialObserver(t, url)
	waitWire(t, conn, "status")

	rgb := make([]byte, 640*360*3)
	for i := range rgb {
		rgb[i] = byte(i)
	}
	m.Publish(console.VideoFrame{Width: 640, Height: 360, RGB: rgb})

	msg := waitWire(t, conn, "video.frame")
	var p struct {
		Width   int    `json:"width"`
		Height  int    `json:"height"`
		Preview []byte `json:"preview"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	require.Equal(t, 640, p.Width)
	require.Equal(t, 360, p.Height)

	img, err := jpeg.Decode(bytes.NewReader(p.Preview))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 480, 270), img.Bounds())

	// Frames at or under the cap go out unscaled.
	m.Publish(console.VideoFrame{Width: 64, Height: 48, RGB: make([]byte, 64*48*3)})
	msg = waitWire(t, conn, "video.frame")
	p.Preview = nil
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	img, err = jpeg.Decode(bytes.NewReader(p.Preview))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}

func TestMonitorDispatchesCommands(t *testing.T) {
	fake := &fakeCommander{}
	_, url := newTestMonitor(t, Config{Commands: fake})
	conn := dialObserver(t, url)
	waitWire(t, conn, "status")

	writeCommand(t, conn, protocol.InputPipelineStart, nil)
	writeCommand(t, conn, protocol.InputRecordStart, protocol.RecordStartPayload{Path: "/videos/dive.mkv"})
	writeCommand(t, conn, protocol.InputRecordStop, nil)
	writeCommand(t, conn, protocol.InputScreenshotSave, protocol.ScreenshotSavePayload{Path: "/stills/s.png", Format: "png"})
	writeCommand(t, conn, protocol.InputEnhanceSet, protocol.EnhanceSetPayload{Mode: "clahe"})
	writeCommand(t, conn, protocol.InputPipelineStop, nil)

	require.Eventually(t, func() bool {
		return len(fake.snapshot()) == 6
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{
		"pipeline.start",
		"record.start /videos/dive.mkv",
		"record.stop",
		"screenshot.save /stills/s.png png",
		"enhance.set clahe",
		"pipeline.stop",
	}, fake.snapshot())
}

func TestMonitorRejectsBadCommands(t *testing.T) {
	fake := &fakeCommander{}
	_, url := newTestMonitor(t, Config{Commands: fake})
	conn := dialObserver(t, url)
	waitWire(t, conn, "status")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.Contains(t, errorText(t, waitWire(t, conn, "error")), "malformed message:")

	writeCommand(t, conn, protocol.InputMessageType("selftest.run"), nil)
	require.Equal(t, "unknown command selftest.run", errorText(t, waitWire(t, conn, "error")))

	writeCommand(t, conn, protocol.InputEnhanceSet, protocol.EnhanceSetPayload{Mode: "sepia"})
	require.Equal(t, `enhance.set: unknown enhancement mode "sepia"`, errorText(t, waitWire(t, conn, "error")))

	writeCommand(t, conn, protocol.InputScreenshotSave, protocol.ScreenshotSavePayload{Format: "gif"})
	require.Equal(t, `screenshot.save: unknown image format "gif"`, errorText(t, waitWire(t, conn, "error")))

	require.Empty(t, fake.snapshot())
}

func TestMonitorReadOnlyWithoutCommander(t *testing.T) {
	_, url := newTestMonitor(t, Config{})
	conn := dialObserver(t, url)
	waitWire(t, conn, "status")

	writeCommand(t, conn, protocol.InputPipelineStart, nil)
	require.Equal(t, "monitor is read-only", errorText(t, waitWire(t, conn, "error")))
}

func TestMonitorCloseDisconnectsObservers(t *testing.T) {
	m, url := newTestMonitor(t, Config{})
	conn := dialObserver(t, url)
	waitWire(t, conn, "status")

	m.Close()
	m.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	// Publishing into a closed monitor must be harmless.
	m.Publish(console.ToastMessage{Text: "late"})

	// A connection attempt after close is cut before any message.
	late, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err == nil {
		require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, rerr := late.ReadMessage()
		require.Error(t, rerr)
		late.Close()
	}
}

func TestObserverSendDropsOldest(t *testing.T) {
	m := New(Config{Logger: zerolog.Nop(), PreviewInterval: -1})
	t.Cleanup(m.Close)

	o := &observer{
		id:      "test",
		monitor: m,
		queue:   make(chan []byte, 2),
		done:    make(chan struct{}),
	}
	o.send([]byte("a"))
	o.send([]byte("b"))
	o.send([]byte("c"))
	require.Equal(t, []byte("b"), <-o.queue)
	require.Equal(t, []byte("c"), <-o.queue)

	stopped := &observer{
		id:      "stopped",
		monitor: m,
		queue:   make(chan []byte, 2),
		done:    make(chan struct{}),
	}
	close(stopped.done)
	stopped.send([]byte("x"))
	require.Empty(t, stopped.queue)
}
