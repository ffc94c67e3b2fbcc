package raster

import "math"

const (
	// MaxPixelDimension caps either side of the rendered image.
	MaxPixelDimension = 8000
	// MaxTotalPixels caps the rendered area (~32MP keeps RGB buffers near 100MB).
	MaxTotalPixels = 32_000_000

	widePageThreshold = 1600
	wideScale         = 2.0
	defaultScale      = 2.95
	minScale          = 1.0

	// MuPDF corrupts tiling patterns when the scale is exactly 3. Revalidate
	// if the rasterization backend changes.
	forbiddenScale = 3.0
)

// PlanScale returns the points-to-pixels multiplier for a page of the given
// size in points. The result is at least 1, never exactly 3, and keeps the
// rendered image within MaxPixelDimension per side and MaxTotalPixels overall
// whenever that is possible at scale 1.
func PlanScale(width, height float64) float64 {
	scale := defaultScale
	if width >= widePageThreshold {
		scale = wideScale
	}

	scaledWidth := width * scale
	scaledHeight := height * scale
	if scaledWidth > MaxPixelDimension ||
		scaledHeight > MaxPixelDimension ||
		scaledWidth*scaledHeight > MaxTotalPixels {
		byWidth := MaxPixelDimension / width
		byHeight := MaxPixelDimension / height
		byTotal := math.Sqrt(MaxTotalPixels / (width * height))

		scale = math.Min(byWidth, math.Min(byHeight, byTotal))
		scale = math.Floor(scale*10) / 10
		scale = math.Max(minScale, scale)
	}

	if scale == forbiddenScale {
		scale = defaultScale
	}
	return scale
}

// DegradedScale is the scale used for the single retry after resource exhaustion.
func DegradedScale(scale float64) float64 {
	reduced := math.Max(minScale, scale*0.5)
	if reduced == forbiddenScale {
		reduced = defaultScale
	}
	return reduced
}
