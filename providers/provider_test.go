package providers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rovlink/pipeline/core"
)

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"h264", CodecH264, false},
		{"H264", CodecH264, false},
		{" H264 ", CodecH264, false},
		{"hevc", CodecH265, false},
		{"H265", CodecH265, false},
		{"VP8", CodecVP8, false},
		{"vp9", CodecVP9, false},
		{"AV1", CodecAV1, false},
		{"mjpeg", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCodec(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestParseProvider(t *testing.T) {
	for _, p := range Providers() {
		got, err := ParseProvider(string(p))
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err := ParseProvider("quicksync")
	require.Error(t, err)
}

func TestCodecProperties(t *testing.T) {
	require.True(t, CodecH264.RequiresParser())
	require.True(t, CodecH265.RequiresParser())
	require.False(t, CodecVP8.RequiresParser())
	require.False(t, CodecVP9.RequiresParser())
	require.False(t, CodecAV1.RequiresParser())

	require.Equal(t, "h264", CodecH264.BitstreamFormat())
	require.Equal(t, "hevc", CodecH265.BitstreamFormat())
	require.Equal(t, "ivf", CodecVP9.BitstreamFormat())

	require.Equal(t, "H264", CodecH264.EncodingName())
	require.Equal(t, core.MediaTypeAV1, CodecAV1.MediaType())
}
