package enhance

import "math"

// statsGrid is the sampling resolution for channel statistics. A
// coarse grid keeps the cost independent of frame size without
// noticeably moving the estimates.
const statsGrid = 128

// Stretch linearly rescales each color channel so that mean plus or
// minus three standard deviations of the observed values maps to the
// full range. Stretching per channel also rebalances the color cast
// water gives the red end of the spectrum.
func Stretch(rgb []byte, width, height int) []byte {
	gridW, gridH := statsGrid, statsGrid
	if width < gridW {
		gridW = width
	}
	if height < gridH {
		gridH = height
	}

	var sum, sumSq [3]float64
	for gy := 0; gy < gridH; gy++ {
		y := gy * height / gridH
		row := y * width * 3
		for gx := 0; gx < gridW; gx++ {
			x := gx * width / gridW
			for c := 0; c < 3; c++ {
				v := float64(rgb[row+x*3+c])
				sum[c] += v
				sumSq[c] += v * v
			}
		}
	}

	samples := float64(gridW * gridH)
	var luts [3][256]byte
	for c := 0; c < 3; c++ {
		mean := sum[c] / samples
		variance := sumSq[c]/samples - mean*mean
		if variance < 0 {
			variance = 0
		}
		sigma := math.Sqrt(variance)

		low := mean - 3*sigma
		high := mean + 3*sigma
		if low < 0 {
			low = 0
		}
		if high > 255 {
			high = 255
		}
		span := high - low
		if sigma == 0 || span <= 0 {
			// A flat channel has nothing to stretch.
			for v := 0; v < 256; v++ {
				luts[c][v] = byte(v)
			}
			continue
		}
		for v := 0; v < 256; v++ {
			scaled := (float64(v) - low) * 255 / span
			if scaled < 0 {
				scaled = 0
			}
			if scaled > 255 {
				scaled = 255
			}
			luts[c][v] = byte(scaled + 0.5)
		}
	}

	out := make([]byte, len(rgb))
	for i := 0; i+2 < width*height*3; i += 3 {
		out[i] = luts[0][rgb[i]]
		out[i+1] = luts[1][rgb[i+1]]
		out[i+2] = luts[2][rgb[i+2]]
	}
	return out
}
