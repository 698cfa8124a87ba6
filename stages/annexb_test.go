package stages

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// escapeRBSP inserts emulation prevention bytes, the inverse of
// unescapeRBSP.
func escapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

func TestSplitNALUs(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x01, 0x68,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x00, 0x00,
	}
	nalus := splitNALUs(data)
	require.Equal(t, [][]byte{
		{0x67, 0x42},
		{0x68},
		{0x65, 0x88}, // trailing zero padding stripped
	}, nalus)
}

func TestSplitNALUsIgnoresLeadingGarbage(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0x00, 0x00, 0x01, 0x41, 0x9A}
	require.Equal(t, [][]byte{{0x41, 0x9A}}, splitNALUs(data))
}

func TestSplitNALUsEmpty(t *testing.T) {
	require.Empty(t, splitNALUs(nil))
	require.Empty(t, splitNALUs([]byte{0x41, 0x9A}))
	require.Empty(t, splitNALUs([]byte{0x00, 0x00, 0x01}))
}

func TestLastStartCode(t *testing.T) {
	require.Equal(t, -1, lastStartCode([]byte{0x41, 0x9A}))
	// The three-byte form.
	require.Equal(t, 1, lastStartCode([]byte{0x41, 0x00, 0x00, 0x01, 0x67}))
	// The four-byte form is claimed whole.
	require.Equal(t, 1, lastStartCode([]byte{0x41, 0x00, 0x00, 0x00, 0x01, 0x67}))
	// The last one wins.
	require.Equal(t, 5, lastStartCode([]byte{
		0x00, 0x00, 0x01, 0x41, 0x9A, 0x00, 0x00, 0x00, 0x01, 0x67,
	}))
}

func TestStreamAssemblerHoldsTailWithoutMarker(t *testing.T) {
	var asm streamAssembler

	nalus := asm.push([]byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88,
	}, false)
	require.Equal(t, [][]byte{{0x67, 0x42}}, nalus)

	// The next start code completes the held unit.
	nalus = asm.push([]byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A}, false)
	require.Equal(t, [][]byte{{0x65, 0x88}}, nalus)

	require.Equal(t, [][]byte{{0x41, 0x9A}}, asm.flush())
	require.Empty(t, asm.flush())
}

func TestStreamAssemblerMarkerFlushesTail(t *testing.T) {
	var asm streamAssembler

	nalus := asm.push([]byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88,
	}, true)
	require.Equal(t, [][]byte{{0x67, 0x42}, {0x65, 0x88}}, nalus)
	require.Empty(t, asm.flush())
}

func TestStreamAssemblerReassemblesSplitUnits(t *testing.T) {
	var asm streamAssembler

	require.Empty(t, asm.push([]byte{0x00, 0x00, 0x00, 0x01, 0x65}, false))
	require.Empty(t, asm.push([]byte{0x88, 0x84, 0x21}, false))
	nalus := asm.push([]byte{0x00, 0x00, 0x00, 0x01, 0x41}, false)
	require.Equal(t, [][]byte{{0x65, 0x88, 0x84, 0x21}}, nalus)
}

func TestStreamAssemblerReturnsOwnedCopies(t *testing.T) {
	var asm streamAssembler

	nalus := asm.push([]byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x01, 0x65,
	}, false)
	require.Len(t, nalus, 1)
	keep := nalus[0]

	// Growing the internal buffer must not corrupt returned units.
	asm.push(bytes.Repeat([]byte{0xEE}, 1024), false)
	require.Equal(t, []byte{0x67, 0x42}, keep)
}

func TestStreamAssemblerDropsUnframeableBacklog(t *testing.T) {
	var droppedBytes int
	asm := streamAssembler{dropped: func(n int) { droppedBytes = n }}

	junk := bytes.Repeat([]byte{0xFF}, parsePendingLimit+1)
	require.Empty(t, asm.push(junk, false))
	require.Equal(t, parsePendingLimit+1, droppedBytes)

	// The buffer was reset, a fresh stream parses normally.
	nalus := asm.push([]byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A}, true)
	require.Equal(t, [][]byte{{0x41, 0x9A}}, nalus)
}

func TestUnescapeRBSP(t *testing.T) {
	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte{0x00, 0x00, 0x03, 0x00}, []byte{0x00, 0x00, 0x00}},
		{[]byte{0x00, 0x00, 0x03, 0x01}, []byte{0x00, 0x00, 0x01}},
		{[]byte{0x00, 0x00, 0x03, 0x03}, []byte{0x00, 0x00, 0x03}},
		// 0x03 before a byte above the escape range is payload.
		{[]byte{0x00, 0x00, 0x03, 0x04}, []byte{0x00, 0x00, 0x03, 0x04}},
		{[]byte{0x00, 0x03, 0x00}, []byte{0x00, 0x03, 0x00}},
		{[]byte{0x42, 0x00, 0x1E}, []byte{0x42, 0x00, 0x1E}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, unescapeRBSP(tc.in), "input %x", tc.in)
	}
}

// Escaping and unescaping are inverses for any payload.
func TestPropertyRBSPEscapeRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(rt, "data")
		got := unescapeRBSP(escapeRBSP(data))
		if !bytes.Equal(data, got) {
			rt.Fatalf("round trip changed %x to %x", data, got)
		}
	})
}
