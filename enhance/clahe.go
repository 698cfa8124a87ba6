package enhance

const (
	// claheTiles is the grid size; contrast is equalized within each
	// tile and blended across tile borders.
	claheTiles = 8

	// claheClipLimit caps how much any single brightness level may
	// dominate a tile's histogram, in multiples of a uniform share.
	// Clipping is what keeps noise in flat regions from being
	// amplified into grain.
	claheClipLimit = 2.0
)

// CLAHE applies contrast limited adaptive histogram equalization to
// the luminance of an RGB frame. Each color sample is rescaled by its
// pixel's luminance gain, so hue is preserved while local contrast is
// recovered.
func CLAHE(rgb []byte, width, height int) []byte {
	luma := make([]byte, width*height)
	for i, o := 0, 0; i < width*height; i, o = i+1, o+3 {
		r := int(rgb[o])
		g := int(rgb[o+1])
		b := int(rgb[o+2])
		// BT.601 luma in 15-bit fixed point.
		luma[i] = byte((9798*r + 19235*g + 3735*b) >> 15)
	}

	luts := claheTileLUTs(luma, width, height)

	tileW := (width + claheTiles - 1) / claheTiles
	tileH := (height + claheTiles - 1) / claheTiles

	out := make([]byte, len(rgb))
	for y := 0; y < height; y++ {
		// Vertical blend position in tile space.
		gy := (float32(y)+0.5)/float32(tileH) - 0.5
		ty0 := int(gy)
		if gy < 0 {
			ty0 = -1
		}
		ty1 := ty0 + 1
		wy := gy - float32(ty0)
		ty0 = clampTile(ty0)
		ty1 = clampTile(ty1)

		for x := 0; x < width; x++ {
			gx := (float32(x)+0.5)/float32(tileW) - 0.5
			tx0 := int(gx)
			if gx < 0 {
				tx0 = -1
			}
			tx1 := tx0 + 1
			wx := gx - float32(tx0)
			tx0 = clampTile(tx0)
			tx1 = clampTile(tx1)

			i := y*width + x
			v := luma[i]
			top := (1-wx)*float32(luts[ty0][tx0][v]) + wx*float32(luts[ty0][tx1][v])
			bottom := (1-wx)*float32(luts[ty1][tx0][v]) + wx*float32(luts[ty1][tx1][v])
			mapped := (1-wy)*top + wy*bottom

			o := i * 3
			if v == 0 {
				out[o] = rgb[o]
				out[o+1] = rgb[o+1]
				out[o+2] = rgb[o+2]
				continue
			}
			// Scale the color samples by the luminance gain.
			gain := int(mapped*256) / int(v)
			out[o] = clampColor(int(rgb[o]) * gain >> 8)
			out[o+1] = clampColor(int(rgb[o+1]) * gain >> 8)
			out[o+2] = clampColor(int(rgb[o+2]) * gain >> 8)
		}
	}
	return out
}

// claheTileLUTs builds the per-tile brightness mappings: a clipped
// histogram turned into a cumulative distribution.
func claheTileLUTs(luma []byte, width, height int) [claheTiles][claheTiles][256]byte {
	var luts [claheTiles][claheTiles][256]byte
	tileW := (width + claheTiles - 1) / claheTiles
	tileH := (height + claheTiles - 1) / claheTiles

	for ty := 0; ty < claheTiles; ty++ {
		y0 := ty * tileH
		y1 := y0 + tileH
		if y1 > height {
			y1 = height
		}
		for tx := 0; tx < claheTiles; tx++ {
			x0 := tx * tileW
			x1 := x0 + tileW
			if x1 > width {
				x1 = width
			}
			if x0 >= x1 || y0 >= y1 {
				for v := 0; v < 256; v++ {
					luts[ty][tx][v] = byte(v)
				}
				continue
			}

			var hist [256]int
			for y := y0; y < y1; y++ {
				row := y * width
				for x := x0; x < x1; x++ {
					hist[luma[row+x]]++
				}
			}

			pixels := (y1 - y0) * (x1 - x0)
			clip := int(claheClipLimit * float64(pixels) / 256)
			if clip < 1 {
				clip = 1
			}
			clipped := 0
			for v := 0; v < 256; v++ {
				if hist[v] > clip {
					clipped += hist[v] - clip
					hist[v] = clip
				}
			}
			// Redistribute the clipped mass evenly.
			share := clipped / 256
			rest := clipped % 256
			for v := 0; v < 256; v++ {
				hist[v] += share
				if v < rest {
					hist[v]++
				}
			}

			cdf := 0
			for v := 0; v < 256; v++ {
				cdf += hist[v]
				luts[ty][tx][v] = byte((cdf*255 + pixels/2) / pixels)
			}
		}
	}
	return luts
}

func clampTile(t int) int {
	if t < 0 {
		return 0
	}
	if t >= claheTiles {
		return claheTiles - 1
	}
	return t
}

func clampColor(v int) byte {
	if v > 255 {
		return 255
	}
	return byte(v)
}
