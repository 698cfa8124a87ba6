// Package enhance improves the visibility of underwater video frames.
// Water absorbs and scatters light unevenly, leaving footage dim, low
// contrast and color shifted; these filters recover some of it on the
// display path without touching what gets recorded.
package enhance

import (
	"fmt"
	"strings"
)

// Mode selects the enhancement applied to display frames.
type Mode string

const (
	// ModeOff passes frames through untouched.
	ModeOff Mode = "off"

	// ModeStretch rescales each color channel so the observed value
	// range spans the full scale. Cheap, and effective against the
	// uniform haze of open water.
	ModeStretch Mode = "stretch"

	// ModeCLAHE equalizes local contrast in tiles across the frame,
	// recovering detail in unevenly lit scenes.
	ModeCLAHE Mode = "clahe"
)

// Modes returns every selectable mode.
func Modes() []Mode {
	return []Mode{ModeOff, ModeStretch, ModeCLAHE}
}

// ParseMode maps a settings string to a Mode. Matching is
// case-insensitive; the empty string means off.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return ModeOff, nil
	case "stretch":
		return ModeStretch, nil
	case "clahe":
		return ModeCLAHE, nil
	}
	return ModeOff, fmt.Errorf("unknown enhancement mode %q", s)
}

// Apply runs the selected enhancement on a packed RGB frame. The input
// is not modified; with enhancement off the input slice itself is
// returned.
func Apply(mode Mode, rgb []byte, width, height int) []byte {
	if len(rgb) < width*height*3 || width <= 0 || height <= 0 {
		return rgb
	}
	switch mode {
	case ModeStretch:
		return Stretch(rgb, width, height)
	case ModeCLAHE:
		return CLAHE(rgb, width, height)
	}
	return rgb
}
