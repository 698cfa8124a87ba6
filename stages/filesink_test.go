package stages

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rovlink/pipeline/core"
)

func newTestFileSink(t *testing.T, path string, bus *core.Bus) *FileSink {
	t.Helper()
	s := NewFileSink(FileSinkConfig{
		Name:   "filesink",
		Logger: zerolog.Nop(),
		Bus:    bus,
		Path:   path,
	})
	require.NoError(t, s.SetState(core.StatePlaying))
	t.Cleanup(func() { _ = s.SetState(core.StateNull) })
	return s
}

func TestFileSinkWritesPacketsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mkv")
	s := newTestFileSink(t, path, nil)
	require.Equal(t, path, s.Path())

	// Only packets reach the file; caps carry no bytes.
	s.Push(core.CapsEvent{Caps: core.Caps{MediaType: core.MediaTypeMatroska}})
	s.Push(core.PacketEvent{Data: []byte{0x1A, 0x45, 0xDF, 0xA3}})
	s.Push(core.PacketEvent{Data: []byte{0x42, 0x86}})
	s.Push(core.EOSEvent{})

	want := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x42, 0x86}
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == string(want)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFileSinkTruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mkv")
	require.NoError(t, os.WriteFile(path, []byte("stale recording"), 0o644))

	s := newTestFileSink(t, path, nil)
	s.Push(core.PacketEvent{Data: []byte{0x01}})
	s.Push(core.EOSEvent{})

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == "\x01"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFileSinkCreateFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.mkv")
	s := NewFileSink(FileSinkConfig{
		Name:   "filesink",
		Logger: zerolog.Nop(),
		Path:   path,
	})

	err := s.SetState(core.StatePlaying)
	require.ErrorContains(t, err, "create "+path)
	require.Equal(t, core.StateNull, s.State())
}

func TestFileSinkWriteFailurePostsSingleBusError(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	reports := newBusRecorder(t)
	s := newTestFileSink(t, "/dev/full", reports.bus)

	// Larger than the sink's buffer so the write hits the device.
	big := make([]byte, 2*fileSinkBufferSize)
	s.Push(core.PacketEvent{Data: big})
	s.Push(core.PacketEvent{Data: big})
	s.Push(core.EOSEvent{})

	require.Eventually(t, func() bool { return len(reports.errors()) > 0 }, 2*time.Second, 5*time.Millisecond)
	errs := reports.errors()
	require.Len(t, errs, 1)
	require.Equal(t, "filesink", errs[0].Source)
	require.ErrorContains(t, errs[0].Err, "write /dev/full")
}
