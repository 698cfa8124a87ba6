package stages

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// VideoConvert converts raw frames between pixel formats on the CPU.
// Frames already in the requested format pass through untouched. The
// implemented conversion is planar I420 to packed RGB with BT.601
// limited-range coefficients, the path between decoder output and
// display.
type VideoConvert struct {
	*core.Base

	format core.PixelFormat
	warned bool
}

// VideoConvertConfig configures a conversion stage
type VideoConvertConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// Format is the output pixel format. Defaults to RGB.
	Format core.PixelFormat
}

// NewVideoConvert creates the conversion stage.
func NewVideoConvert(cfg VideoConvertConfig) *VideoConvert {
	if cfg.Format == "" {
		cfg.Format = core.PixelFormatRGB
	}
	v := &VideoConvert{format: cfg.Format}
	v.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     v,
		InputTypes:  []core.MediaType{core.MediaTypeRaw},
		OutputTypes: []core.MediaType{core.MediaTypeRaw},
		InboxSize:   8,
	})
	return v
}

func (v *VideoConvert) HandleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.CapsEvent:
		caps := e.Caps
		if caps.MediaType == core.MediaTypeRaw {
			caps.Format = v.format
		}
		v.Send(core.CapsEvent{Caps: caps})
	case core.FrameEvent:
		v.convert(e.Frame)
	case core.EOSEvent:
		v.Send(ev)
	}
}

func (v *VideoConvert) convert(f core.Frame) {
	if f.Format == v.format {
		v.Send(core.FrameEvent{Frame: f})
		return
	}
	if f.Format == core.PixelFormatI420 && v.format == core.PixelFormatRGB {
		rgb, err := i420ToRGB(f.Data, f.Width, f.Height)
		if err != nil {
			v.Logger().Warn().Err(err).Msg("frame dropped")
			return
		}
		v.Send(core.FrameEvent{Frame: core.Frame{
			Format: core.PixelFormatRGB,
			Width:  f.Width,
			Height: f.Height,
			Data:   rgb,
			PTS:    f.PTS,
		}})
		return
	}
	if !v.warned {
		v.warned = true
		v.Logger().Error().
			Str("from", string(f.Format)).Str("to", string(v.format)).
			Msg("unsupported conversion")
		if v.Bus() != nil {
			v.Bus().PostWarning(v.Name(), fmt.Sprintf("cannot convert %s to %s", f.Format, v.format))
		}
	}
}

// i420ToRGB expands a planar YUV 4:2:0 frame to packed RGB using the
// BT.601 limited-range matrix.
func i420ToRGB(data []byte, width, height int) ([]byte, error) {
	need := core.FrameSize(core.PixelFormatI420, width, height)
	if width <= 0 || height <= 0 || len(data) < need {
		return nil, fmt.Errorf("i420 frame of %d bytes, need %d for %dx%d", len(data), need, width, height)
	}
	chromaW := (width + 1) / 2
	chromaH := (height + 1) / 2
	yPlane := data[:width*height]
	uPlane := data[width*height : width*height+chromaW*chromaH]
	vPlane := data[width*height+chromaW*chromaH : width*height+2*chromaW*chromaH]

	rgb := make([]byte, width*height*3)
	for row := 0; row < height; row++ {
		yRow := yPlane[row*width : row*width+width]
		uRow := uPlane[(row/2)*chromaW:]
		vRow := vPlane[(row/2)*chromaW:]
		o := row * width * 3
		for col := 0; col < width; col++ {
			c := 298 * (int(yRow[col]) - 16)
			d := int(uRow[col/2]) - 128
			e := int(vRow[col/2]) - 128
			rgb[o] = clampByte((c + 409*e + 128) >> 8)
			rgb[o+1] = clampByte((c - 100*d - 208*e + 128) >> 8)
			rgb[o+2] = clampByte((c + 516*d + 128) >> 8)
			o += 3
		}
	}
	return rgb, nil
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
