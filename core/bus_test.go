package core

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rovlink/pipeline/eventloop"
)

func TestBusBuffersUntilWatcherInstalled(t *testing.T) {
	loop := eventloop.New(zerolog.Nop())
	bus := NewBus(loop)

	bus.PostError("decoder", errors.New("helper process exited"))
	bus.PostWarning("display", "frame before geometry")

	var got []Message
	loop.Post(func() {
		bus.SetWatcher(func(msg Message) { got = append(got, msg) })
	})
	loop.Close()
	loop.Run()

	require.Len(t, got, 2)
	require.Equal(t, MessageError, got[0].Type)
	require.Equal(t, "decoder", got[0].Source)
	require.Equal(t, MessageWarning, got[1].Type)
	require.Equal(t, "display", got[1].Source)
}

func TestBusDeliversDirectlyWithWatcher(t *testing.T) {
	loop := eventloop.New(zerolog.Nop())
	bus := NewBus(loop)

	var got []Message
	loop.Post(func() {
		bus.SetWatcher(func(msg Message) { got = append(got, msg) })
	})
	bus.PostWarning("queue", "dropped oldest buffer")
	loop.Close()
	loop.Run()

	require.Len(t, got, 1)
	require.Equal(t, "queue", got[0].Source)
	require.Equal(t, "dropped oldest buffer", got[0].Text)
}

func TestBusNilWatcherResumesBuffering(t *testing.T) {
	loop := eventloop.New(zerolog.Nop())
	bus := NewBus(loop)

	var first, second []Message
	loop.Post(func() {
		bus.SetWatcher(func(msg Message) { first = append(first, msg) })
	})
	bus.PostWarning("a", "one")
	loop.Post(func() { bus.SetWatcher(nil) })
	bus.PostWarning("b", "two")
	loop.Post(func() {
		bus.SetWatcher(func(msg Message) { second = append(second, msg) })
	})
	loop.Close()
	loop.Run()

	require.Len(t, first, 1)
	require.Equal(t, "one", first[0].Text)
	require.Len(t, second, 1)
	require.Equal(t, "two", second[0].Text)
}
