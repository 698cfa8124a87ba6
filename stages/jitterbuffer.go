package stages

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// jitterMaxHeld caps the reorder buffer; beyond it the oldest packet is
// released regardless of age so a burst cannot grow memory unbounded.
const jitterMaxHeld = 512

// tickEvent drives time-based release inside the stage goroutine.
type tickEvent struct{}

const eventTypeTick core.EventType = "tick"

func (tickEvent) EventType() core.EventType { return eventTypeTick }

// JitterBuffer reorders RTP datagrams by sequence number, holding each one
// for a configured latency before releasing it downstream. Late packets,
// those older than anything already released, are dropped. It belongs
// directly after a datagram source; stream-ordered transports do not need
// it.
type JitterBuffer struct {
	*core.Base

	latency time.Duration

	// held is kept sorted by sequence number, oldest first. Only the
	// stage goroutine touches it.
	held        []jitterEntry
	lastSeq     uint16
	hasEmitted  bool
	dropped     uint64
	duplicates  uint64

	mu       sync.Mutex
	tickQuit chan struct{}
	tickWG   sync.WaitGroup
}

type jitterEntry struct {
	seq     uint16
	arrived time.Time
	ev      core.PacketEvent
}

// JitterBufferConfig configures a jitter buffer
type JitterBufferConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// Latency is how long a packet is held for reordering.
	Latency time.Duration
}

// NewJitterBuffer creates the stage. A latency of zero passes packets
// through in arrival order; builders normally omit the stage entirely in
// that case.
func NewJitterBuffer(cfg JitterBufferConfig) *JitterBuffer {
	j := &JitterBuffer{latency: cfg.Latency}
	j.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     j,
		InputTypes:  []core.MediaType{core.MediaTypeRTP},
		OutputTypes: []core.MediaType{core.MediaTypeRTP},
		InboxSize:   64,
	})
	return j
}

// OnStateChange runs the release ticker only while Playing.
func (j *JitterBuffer) OnStateChange(from, to core.State) error {
	switch {
	case from == core.StatePaused && to == core.StatePlaying:
		j.startTicker()
	case from == core.StatePlaying && to == core.StatePaused:
		j.stopTicker()
	case from == core.StateReady && to == core.StateNull:
		j.held = nil
		j.hasEmitted = false
	}
	return nil
}

func (j *JitterBuffer) startTicker() {
	interval := j.latency / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	j.mu.Lock()
	j.tickQuit = make(chan struct{})
	quit := j.tickQuit
	j.mu.Unlock()

	j.tickWG.Add(1)
	go func() {
		defer j.tickWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				j.Push(tickEvent{})
			}
		}
	}()
}

func (j *JitterBuffer) stopTicker() {
	j.mu.Lock()
	quit := j.tickQuit
	j.tickQuit = nil
	j.mu.Unlock()
	if quit != nil {
		close(quit)
	}
	j.tickWG.Wait()
}

// HandleEvent buffers RTP packets and forwards everything else in order.
func (j *JitterBuffer) HandleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.PacketEvent:
		j.insert(e)
		j.release(false)
	case tickEvent:
		j.release(false)
	case core.EOSEvent:
		j.release(true)
		j.Send(e)
	default:
		j.Send(ev)
	}
}

func (j *JitterBuffer) insert(e core.PacketEvent) {
	if len(e.Data) < rtpHeaderSize {
		j.Logger().Debug().Int("len", len(e.Data)).Msg("runt datagram dropped")
		return
	}
	seq := binary.BigEndian.Uint16(e.Data[2:4])

	if j.hasEmitted && seqBefore(seq, j.lastSeq) {
		j.dropped++
		j.Logger().Debug().Uint16("seq", seq).Uint16("last", j.lastSeq).Msg("late packet dropped")
		return
	}

	entry := jitterEntry{seq: seq, arrived: time.Now(), ev: e}

	// Insert sorted; packets mostly arrive in order so scan from the back.
	idx := len(j.held)
	for idx > 0 {
		prev := j.held[idx-1].seq
		if prev == seq {
			j.duplicates++
			return
		}
		if seqBefore(prev, seq) {
			break
		}
		idx--
	}
	j.held = append(j.held, jitterEntry{})
	copy(j.held[idx+1:], j.held[idx:])
	j.held[idx] = entry
}

// release emits every packet that has aged past the latency, or all of
// them when flushing.
func (j *JitterBuffer) release(flush bool) {
	now := time.Now()
	for len(j.held) > 0 {
		head := j.held[0]
		overflow := len(j.held) > jitterMaxHeld
		if !flush && !overflow && now.Sub(head.arrived) < j.latency {
			return
		}
		j.held = j.held[1:]
		j.lastSeq = head.seq
		j.hasEmitted = true
		j.Send(head.ev)
	}
}

// seqBefore reports whether a precedes b in 16-bit sequence space.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}
