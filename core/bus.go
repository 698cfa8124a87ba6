package core

import (
	"github.com/rovlink/pipeline/eventloop"
)

// MessageType classifies bus messages
type MessageType string

const (
	// MessageError reports a failure that stops the stream.
	MessageError MessageType = "error"

	// MessageWarning reports a recoverable condition, such as a frame
	// arriving before the stream geometry is known.
	MessageWarning MessageType = "warning"
)

// Message is an out-of-band report from a stage to the pipeline owner
type Message struct {
	Type   MessageType
	Source string
	Err    error
	Text   string
}

// Bus carries messages from stage goroutines to the control loop. Messages
// posted before a watcher is installed are buffered and replayed, in order,
// when the watcher arrives.
type Bus struct {
	loop *eventloop.Loop

	// watcher and pending are only touched on the loop goroutine.
	watcher func(Message)
	pending []Message
}

// NewBus creates a bus that delivers on the given loop.
func NewBus(loop *eventloop.Loop) *Bus {
	return &Bus{loop: loop}
}

// PostError reports a stream-stopping failure. Safe from any goroutine.
func (b *Bus) PostError(source string, err error) {
	b.post(Message{Type: MessageError, Source: source, Err: err, Text: err.Error()})
}

// PostWarning reports a recoverable condition. Safe from any goroutine.
func (b *Bus) PostWarning(source, text string) {
	b.post(Message{Type: MessageWarning, Source: source, Text: text})
}

func (b *Bus) post(msg Message) {
	b.loop.Post(func() {
		if b.watcher == nil {
			b.pending = append(b.pending, msg)
			return
		}
		b.watcher(msg)
	})
}

// SetWatcher installs the message handler and replays any buffered
// messages. Must be called from the loop goroutine. A nil watcher resumes
// buffering.
func (b *Bus) SetWatcher(fn func(Message)) {
	b.watcher = fn
	if fn == nil {
		return
	}
	pending := b.pending
	b.pending = nil
	for _, msg := range pending {
		fn(msg)
	}
}
