// Package protocol defines the JSON messages exchanged with remote
// monitor clients over WebSocket: console state going out, operator
// commands coming in.
package protocol

// OutputMessageType defines console-to-observer message types
type OutputMessageType string

const (
	// State snapshot, sent once when an observer connects
	OutputStatus OutputMessageType = "status"

	// Lifecycle edges
	OutputPollingChanged   OutputMessageType = "polling.changed"   // Display stream started or stopped
	OutputRecordingChanged OutputMessageType = "recording.changed" // Recording started or finished flushing

	// Streaming content
	OutputVideoFrame OutputMessageType = "video.frame" // Throttled preview frame

	// Operator feedback
	OutputToastShow OutputMessageType = "toast.show" // Transient notification

	// Errors
	OutputError OutputMessageType = "error"
)

// OutputMessage represents a message to an observer
type OutputMessage struct {
	Type      OutputMessageType `json:"type"`
	ID        string            `json:"id"` // Console-generated message ID
	Payload   any               `json:"payload"`
	Timestamp int64             `json:"timestamp"`
}

// PollingChangedPayload for polling.changed
type PollingChangedPayload struct {
	Polling bool `json:"polling"`
}

// RecordingChangedPayload for recording.changed
type RecordingChangedPayload struct {
	Recording bool   `json:"recording"`
	ID        string `json:"id,omitempty"`   // Recording session identifier
	Path      string `json:"path,omitempty"` // Destination file
}

// VideoFramePayload for video.frame. Preview carries a JPEG, scaled-down
// and rate-limited on the console side; observers wanting full-rate video
// subscribe to the stream itself, not the monitor.
type VideoFramePayload struct {
	Width   int    `json:"width"`  // Full stream width
	Height  int    `json:"height"` // Full stream height
	Preview []byte `json:"preview"`
}

// ToastShowPayload for toast.show
type ToastShowPayload struct {
	Text string `json:"text"`
}

// ErrorPayload for error messages
type ErrorPayload struct {
	Message string `json:"message"`
}
