package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/rovlink/pipeline/console"
)

// EventToMessage converts a console event to an output message. Video
// frames return nil: the monitor rate-limits and re-encodes those itself
// instead of forwarding every frame to every observer.
func EventToMessage(event console.Event) *OutputMessage {
	msg := &OutputMessage{
		ID:        newMessageID(),
		Timestamp: time.Now().UnixMilli(),
	}

	switch e := event.(type) {
	case console.PollingChanged:
		msg.Type = OutputPollingChanged
		msg.Payload = PollingChangedPayload{
			Polling: e.Polling,
		}

	case console.RecordingChanged:
		msg.Type = OutputRecordingChanged
		msg.Payload = RecordingChangedPayload{
			Recording: e.Recording,
			ID:        e.ID,
			Path:      e.Path,
		}

	case console.ErrorMessage:
		msg.Type = OutputError
		msg.Payload = ErrorPayload{
			Message: e.Text,
		}

	case console.ToastMessage:
		msg.Type = OutputToastShow
		msg.Payload = ToastShowPayload{
			Text: e.Text,
		}

	default:
		return nil
	}

	return msg
}

// NewVideoFrameMessage creates a video.frame message carrying a preview
// JPEG of the given stream geometry.
func NewVideoFrameMessage(width, height int, preview []byte) *OutputMessage {
	return &OutputMessage{
		Type: OutputVideoFrame,
		ID:   newMessageID(),
		Payload: VideoFramePayload{
			Width:   width,
			Height:  height,
			Preview: preview,
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewStatusMessage creates a status snapshot message.
func NewStatusMessage(status StatusPayload) *OutputMessage {
	return &OutputMessage{
		Type:      OutputStatus,
		ID:        newMessageID(),
		Payload:   status,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorMessage creates an error message.
func NewErrorMessage(text string) *OutputMessage {
	return &OutputMessage{
		Type:      OutputError,
		ID:        newMessageID(),
		Payload:   ErrorPayload{Message: text},
		Timestamp: time.Now().UnixMilli(),
	}
}

// newMessageID generates a unique message ID
func newMessageID() string {
	return uuid.NewString()
}
