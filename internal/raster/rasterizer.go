// Package raster plans render scales and rasterizes pages inside a bounded
// worker pool, degrading the scale once when a render runs out of resources.
package raster

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"golang.org/x/sync/semaphore"

	"github.com/Lllllllleong/documentpageflow/internal/apperr"
)

// Page is a loaded page that can be rendered at a scale.
type Page interface {
	// Dimensions returns the page size in points.
	Dimensions() (width, height float64)
	// Render rasterizes the page. Implementations return an error of kind
	// apperr.ResourceExhausted when the buffer cannot be produced.
	Render(scale float64) (*image.RGBA, error)
}

// Result is a rendered buffer and the scale that produced it.
type Result struct {
	Image       *image.RGBA
	ScaleFactor float64
}

// Rasterizer limits how many renders run at once and how large a buffer a
// single render may allocate.
type Rasterizer struct {
	sem      *semaphore.Weighted
	maxBytes int64
}

// New returns a Rasterizer running at most concurrency renders at a time.
// maxBytes <= 0 disables the allocation estimate check.
func New(concurrency int, maxBytes int64) *Rasterizer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Rasterizer{
		sem:      semaphore.NewWeighted(int64(concurrency)),
		maxBytes: maxBytes,
	}
}

// Render rasterizes page at scale. On resource exhaustion it retries exactly
// once at DegradedScale(scale); the returned Result carries the scale used.
func (r *Rasterizer) Render(ctx context.Context, logger *slog.Logger, page Page, scale float64) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("waiting for render slot: %w", err)
	}
	defer r.sem.Release(1)

	img, err := r.renderOnce(page, scale)
	if err == nil {
		return Result{Image: img, ScaleFactor: scale}, nil
	}
	if !apperr.IsKind(err, apperr.ResourceExhausted) {
		return Result{}, apperr.New(apperr.Internal, "render", fmt.Errorf("%w: %w", apperr.ErrRasterizationFailed, err))
	}

	reduced := DegradedScale(scale)
	logger.Warn("Render failed, retrying with reduced scale factor.", "scaleFactor", scale, "reducedScaleFactor", reduced, "error", err)

	img, err = r.renderOnce(page, reduced)
	if err != nil {
		return Result{}, apperr.ResourceError("render", fmt.Errorf("%w at scale %.2f: %w", apperr.ErrRasterizationFailed, reduced, err))
	}
	logger.Info("Rendered with reduced scale factor.", "scaleFactor", reduced)
	return Result{Image: img, ScaleFactor: reduced}, nil
}

func (r *Rasterizer) renderOnce(page Page, scale float64) (*image.RGBA, error) {
	width, height := page.Dimensions()
	if need := EstimateBytes(width, height, scale); r.maxBytes > 0 && need > r.maxBytes {
		return nil, apperr.ResourceError("render", fmt.Errorf("%w: %d bytes needed, budget %d", apperr.ErrResourceExhausted, need, r.maxBytes))
	}
	return page.Render(scale)
}

// EstimateBytes is the RGBA buffer size for a page rendered at scale.
func EstimateBytes(width, height, scale float64) int64 {
	w := int64(math.Ceil(width * scale))
	h := int64(math.Ceil(height * scale))
	return w * h * 4
}
