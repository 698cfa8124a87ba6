package protocol

import "encoding/json"

// InputMessageType defines observer-to-console message types
type InputMessageType string

const (
	// Stream lifecycle
	InputPipelineStart InputMessageType = "pipeline.start" // Start the video stream
	InputPipelineStop  InputMessageType = "pipeline.stop"  // Stop the video stream

	// Recording
	InputRecordStart InputMessageType = "record.start" // Start recording to disk
	InputRecordStop  InputMessageType = "record.stop"  // Finish and flush the recording

	// Stills and display
	InputScreenshotSave InputMessageType = "screenshot.save" // Save the current frame
	InputEnhanceSet     InputMessageType = "enhance.set"     // Switch display enhancement
)

// InputMessage represents a command from an observer. The payload is kept
// raw so each command decodes its own struct.
type InputMessage struct {
	Type      InputMessageType `json:"type"`
	ID        string           `json:"id"` // Observer-generated message ID
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// RecordStartPayload for record.start
type RecordStartPayload struct {
	Path string `json:"path,omitempty"` // Empty picks a timestamped name
}

// ScreenshotSavePayload for screenshot.save
type ScreenshotSavePayload struct {
	Path   string `json:"path,omitempty"`   // Empty picks a timestamped name
	Format string `json:"format,omitempty"` // Empty uses the configured format
}

// EnhanceSetPayload for enhance.set
type EnhanceSetPayload struct {
	Mode string `json:"mode"`
}

// DecodePayload unmarshals the raw payload into dst. A message with no
// payload leaves dst untouched, so commands with all-optional fields work
// bare.
func (m InputMessage) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, dst)
}
