package eventloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRunExecutesPostedTasksInOrder(t *testing.T) {
	loop := New(zerolog.Nop())

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}
	loop.Close()
	loop.Run()

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestPostAfterCloseIsDropped(t *testing.T) {
	loop := New(zerolog.Nop())
	loop.Close()

	ran := false
	loop.Post(func() { ran = true })
	loop.Run()

	require.False(t, ran)
}

func TestPostFromManyGoroutines(t *testing.T) {
	loop := New(zerolog.Nop())
	go loop.Run()

	const producers = 8
	const perProducer = 50

	var count atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				loop.Post(func() { count.Add(1) })
			}
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	loop.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain posted tasks")
	}
	require.Equal(t, int64(producers*perProducer), count.Load())

	loop.Close()
	<-loop.Done()
}

func TestCloseFromLoopTask(t *testing.T) {
	loop := New(zerolog.Nop())
	loop.Post(func() { loop.Close() })
	loop.Close() // second Close is a no-op

	finished := make(chan struct{})
	go func() {
		loop.Run()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestAfterFuncRunsCallbackOnLoop(t *testing.T) {
	loop := New(zerolog.Nop())
	go loop.Run()
	defer loop.Close()

	fired := make(chan struct{})
	loop.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback did not run")
	}
}

func TestTimerStopPreventsCallback(t *testing.T) {
	loop := New(zerolog.Nop())
	go loop.Run()
	defer loop.Close()

	var fired atomic.Bool
	timer := loop.AfterFunc(50*time.Millisecond, func() { fired.Store(true) })
	timer.Stop()

	time.Sleep(150 * time.Millisecond)
	require.False(t, fired.Load(), "stopped timer must not fire")
}

func TestTimerStopAfterFireButBeforeDispatch(t *testing.T) {
	loop := New(zerolog.Nop())
	go loop.Run()
	defer loop.Close()

	// Stall the loop so the fired timer's callback stays queued, then stop
	// the timer. The queued callback must observe the stop and not run.
	release := make(chan struct{})
	loop.Post(func() { <-release })

	var fired atomic.Bool
	timer := loop.AfterFunc(time.Nanosecond, func() { fired.Store(true) })
	time.Sleep(20 * time.Millisecond)
	timer.Stop()
	close(release)

	done := make(chan struct{})
	loop.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not resume")
	}
	require.False(t, fired.Load(), "stopped timer must not fire")
}

func TestTaskOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 64).Draw(rt, "tasks")

		loop := New(zerolog.Nop())
		var got []int
		for i := 0; i < n; i++ {
			i := i
			loop.Post(func() { got = append(got, i) })
		}
		loop.Close()
		loop.Run()

		if len(got) != n {
			rt.Fatalf("ran %d of %d tasks", len(got), n)
		}
		for i, v := range got {
			if v != i {
				rt.Fatalf("task %d ran at position %d", v, i)
			}
		}
	})
}
