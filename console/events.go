package console

// Event is a state report from the console to its embedding layer. All
// events are delivered on the control loop goroutine, one at a time, in
// the order the state changes happened.
type Event interface {
	event()
}

// PollingChanged reports the video graph starting or stopping. True is
// always emitted before the first VideoFrame of a run; after false no
// further frames from that run follow.
type PollingChanged struct {
	Polling bool
}

// RecordingChanged reports a recording branch attaching or, after its
// flush has completed, detaching.
type RecordingChanged struct {
	Recording bool

	// ID identifies the recording across its start and stop edges.
	ID string

	// Path is the Matroska file being written.
	Path string
}

// VideoFrame carries one display frame, enhanced when an enhancement
// mode is active. The receiver owns the pixel data.
type VideoFrame struct {
	Width  int
	Height int
	RGB    []byte
}

// ErrorMessage reports a failure in operator terms.
type ErrorMessage struct {
	Text string
}

// ToastMessage reports a noteworthy outcome in operator terms, such as a
// screenshot landing on disk.
type ToastMessage struct {
	Text string
}

func (PollingChanged) event()   {}
func (RecordingChanged) event() {}
func (VideoFrame) event()       {}
func (ErrorMessage) event()     {}
func (ToastMessage) event()     {}
