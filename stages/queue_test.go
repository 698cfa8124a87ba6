package stages

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rovlink/pipeline/core"
)

// gatedStage blocks each Push until released, pinning the queue's drain
// goroutine so tests can fill the buffer deterministically.
type gatedStage struct {
	*recordStage
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStage(t *testing.T, name string) *gatedStage {
	s := &gatedStage{
		recordStage: newRecordStage(name),
		entered:     make(chan struct{}, 64),
		release:     make(chan struct{}),
	}
	t.Cleanup(s.releaseAll)
	return s
}

func (s *gatedStage) Push(ev core.Event) {
	s.entered <- struct{}{}
	<-s.release
	s.recordStage.Push(ev)
}

func (s *gatedStage) releaseAll() {
	s.once.Do(func() { close(s.release) })
}

// waitBlocked returns once the drain goroutine is inside Push.
func (s *gatedStage) waitBlocked(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("downstream never entered Push")
	}
}

func newTestQueue(t *testing.T, cfg QueueConfig) *Queue {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	q := NewQueue(cfg)
	t.Cleanup(func() { _ = q.SetState(core.StateNull) })
	return q
}

func pkt(id byte) core.PacketEvent {
	return core.PacketEvent{Data: []byte{id}}
}

func TestQueueDeliversInOrder(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "queue_decode"})
	sink := newRecordStage("sink")
	require.NoError(t, q.Link(sink))
	require.NoError(t, q.SetState(core.StatePlaying))

	for i := byte(1); i <= 5; i++ {
		q.Push(pkt(i))
	}

	waitEvents(t, sink, 5)
	require.Equal(t, [][]byte{{1}, {2}, {3}, {4}, {5}}, packetData(sink.snapshot()))
	require.Zero(t, q.Dropped())
}

func TestQueueDropsEventsWhileStopped(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "queue_decode"})
	sink := newRecordStage("sink")
	require.NoError(t, q.Link(sink))

	q.Push(pkt(1))
	require.Zero(t, sink.count())

	require.NoError(t, q.SetState(core.StatePlaying))
	q.Push(pkt(2))
	waitEvents(t, sink, 1)
	require.Equal(t, [][]byte{{2}}, packetData(sink.snapshot()))
}

func TestQueueBlocksPusherWhenFull(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "queue_decode", MaxItems: 1})
	sink := newGatedStage(t, "sink")
	require.NoError(t, q.Link(sink))
	require.NoError(t, q.SetState(core.StatePlaying))

	q.Push(pkt(1))
	sink.waitBlocked(t)
	q.Push(pkt(2))

	pushed := make(chan struct{})
	go func() {
		q.Push(pkt(3))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push returned with the buffer full")
	case <-time.After(50 * time.Millisecond):
	}

	sink.releaseAll()
	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("push never unblocked")
	}

	waitEvents(t, sink, 3)
	require.Equal(t, [][]byte{{1}, {2}, {3}}, packetData(sink.snapshot()))
	require.Zero(t, q.Dropped())
}

func TestQueueLeakyDropsOldestData(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "queue_display", MaxItems: 2, Leaky: true})
	sink := newGatedStage(t, "sink")
	require.NoError(t, q.Link(sink))
	require.NoError(t, q.SetState(core.StatePlaying))

	// Pin the drain goroutine on the first packet, then overflow.
	q.Push(pkt(1))
	sink.waitBlocked(t)
	q.Push(pkt(2))
	q.Push(pkt(3))
	q.Push(pkt(4))
	q.Push(pkt(5))

	require.Equal(t, uint64(2), q.Dropped())

	sink.releaseAll()
	waitEvents(t, sink, 3)
	require.Equal(t, [][]byte{{1}, {4}, {5}}, packetData(sink.snapshot()))
}

func TestQueueLeakySparesCaps(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "queue_display", MaxItems: 2, Leaky: true})
	sink := newGatedStage(t, "sink")
	require.NoError(t, q.Link(sink))
	require.NoError(t, q.SetState(core.StatePlaying))

	q.Push(pkt(1))
	sink.waitBlocked(t)
	q.Push(pkt(2))
	q.Push(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeH264}})
	q.Push(pkt(3))
	q.Push(pkt(4))

	require.Equal(t, uint64(2), q.Dropped())

	sink.releaseAll()
	waitEvents(t, sink, 3)
	events := sink.snapshot()
	require.Equal(t, core.EventTypePacket, events[0].EventType())
	require.Equal(t, core.EventTypeCaps, events[1].EventType())
	require.Equal(t, [][]byte{{1}, {4}}, packetData(events))
}

func TestQueueLeakyNeverDropsEOS(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "queue_display", MaxItems: 1, Leaky: true})
	sink := newGatedStage(t, "sink")
	require.NoError(t, q.Link(sink))
	require.NoError(t, q.SetState(core.StatePlaying))

	q.Push(pkt(1))
	sink.waitBlocked(t)
	q.Push(core.EOSEvent{})
	q.Push(pkt(2))

	require.Zero(t, q.Dropped())

	sink.releaseAll()
	waitEvents(t, sink, 3)
	events := sink.snapshot()
	require.Equal(t, core.EventTypeEOS, events[1].EventType())
	require.Equal(t, [][]byte{{1}, {2}}, packetData(events))
}

func TestQueueStopDiscardsBuffered(t *testing.T) {
	q := NewQueue(QueueConfig{Name: "queue_decode", Logger: zerolog.Nop()})
	sink := newGatedStage(t, "sink")
	require.NoError(t, q.Link(sink))
	require.NoError(t, q.SetState(core.StatePlaying))

	q.Push(pkt(1))
	sink.waitBlocked(t)
	q.Push(pkt(2))
	q.Push(pkt(3))

	stopped := make(chan struct{})
	go func() {
		_ = q.SetState(core.StateNull)
		close(stopped)
	}()

	// Stopping waits for the in-flight delivery, then discards the rest.
	sink.releaseAll()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop never completed")
	}

	require.Equal(t, core.StateNull, q.State())
	require.Equal(t, [][]byte{{1}}, packetData(sink.snapshot()))
}

func TestQueueRestartsAfterStop(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "queue_decode"})
	sink := newRecordStage("sink")
	require.NoError(t, q.Link(sink))

	require.NoError(t, q.SetState(core.StatePlaying))
	q.Push(pkt(1))
	waitEvents(t, sink, 1)

	require.NoError(t, q.SetState(core.StateNull))
	require.NoError(t, q.SetState(core.StatePlaying))
	q.Push(pkt(2))
	waitEvents(t, sink, 2)
	require.Equal(t, [][]byte{{1}, {2}}, packetData(sink.snapshot()))
}

func TestQueueLinkErrors(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "queue_decode"})
	a := newRecordStage("a")
	b := newRecordStage("b")

	require.NoError(t, q.Link(a))
	err := q.Link(b)
	require.ErrorContains(t, err, "already linked to a")

	err = q.Unlink(b)
	require.ErrorContains(t, err, "not linked to b")
	require.NoError(t, q.Unlink(a))
	require.NoError(t, q.Link(b))
}

// Whatever the buffer size, a non-leaky queue delivers every event in
// push order.
func TestPropertyQueuePreservesOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxItems := rapid.IntRange(1, 8).Draw(rt, "maxItems")
		count := rapid.IntRange(1, 40).Draw(rt, "count")

		q := NewQueue(QueueConfig{Name: "queue", Logger: zerolog.Nop(), MaxItems: maxItems})
		sink := newRecordStage("sink")
		if err := q.Link(sink); err != nil {
			rt.Fatalf("link: %v", err)
		}
		if err := q.SetState(core.StatePlaying); err != nil {
			rt.Fatalf("start: %v", err)
		}
		defer func() { _ = q.SetState(core.StateNull) }()

		for i := 0; i < count; i++ {
			q.Push(core.PacketEvent{Data: []byte{byte(i)}})
		}

		deadline := time.Now().Add(2 * time.Second)
		for sink.count() < count {
			if time.Now().After(deadline) {
				rt.Fatalf("only %d of %d events arrived", sink.count(), count)
			}
			time.Sleep(time.Millisecond)
		}

		data := packetData(sink.snapshot())
		for i, d := range data {
			if d[0] != byte(i) {
				rt.Fatalf("event %d carried %d", i, d[0])
			}
		}
	})
}
