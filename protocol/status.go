package protocol

// StatusPayload is the console state snapshot sent to an observer on
// connect. Late joiners learn where things stand without waiting for the
// next change; everything after arrives as individual change messages.
type StatusPayload struct {
	Polling       bool   `json:"polling"`                 // Display stream running
	Recording     bool   `json:"recording"`               // Recording in progress
	RecordingID   string `json:"recordingId,omitempty"`   // Current recording session
	RecordingPath string `json:"recordingPath,omitempty"` // Current recording file
	Width         int    `json:"width,omitempty"`         // Stream geometry, zero until known
	Height        int    `json:"height,omitempty"`
}
