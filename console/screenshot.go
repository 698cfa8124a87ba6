package console

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"time"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// jpegQuality balances screenshot size against compression artifacts on
// murky, low-contrast footage.
const jpegQuality = 90

// ImageFormat identifies a screenshot encoding.
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
	FormatTIFF ImageFormat = "tiff"
	FormatBMP  ImageFormat = "bmp"
)

// ImageFormats lists every supported screenshot encoding.
func ImageFormats() []ImageFormat {
	return []ImageFormat{FormatJPEG, FormatPNG, FormatTIFF, FormatBMP}
}

// ParseImageFormat maps a format name to an ImageFormat. Matching is
// case-insensitive and accepts the jpg alias.
func ParseImageFormat(name string) (ImageFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "tiff":
		return FormatTIFF, nil
	case "bmp":
		return FormatBMP, nil
	}
	return "", fmt.Errorf("unknown image format %q", name)
}

// Ext returns the file extension for the format, dot included.
func (f ImageFormat) Ext() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatTIFF:
		return ".tiff"
	case FormatBMP:
		return ".bmp"
	default:
		return ".png"
	}
}

// RGBAImage converts a packed RGB bitmap into a standard library image.
func RGBAImage(rgb []byte, width, height int) (*image.RGBA, error) {
	if len(rgb) < width*height*3 {
		return nil, fmt.Errorf("bitmap %dx%d: %d bytes, want %d", width, height, len(rgb), width*height*3)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < width*height*3; i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xFF
	}
	return img, nil
}

// EncodeImage writes a packed RGB bitmap to w in the given format.
func EncodeImage(w io.Writer, format ImageFormat, rgb []byte, width, height int) error {
	img, err := RGBAImage(rgb, width, height)
	if err != nil {
		return err
	}

	switch format {
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case FormatPNG:
		return png.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, nil)
	case FormatBMP:
		return bmp.Encode(w, img)
	}
	return fmt.Errorf("unknown image format %q", format)
}

// timestampName renders t as an ISO-8601 stamp with the colons replaced,
// so it is usable as a filename on every platform.
func timestampName(t time.Time) string {
	return strings.ReplaceAll(t.Format(time.RFC3339), ":", "-")
}
