// Package pdfpage opens a single page of a PDF for rendering and exposes its
// geometry and embedded links.
package pdfpage

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/gen2brain/go-fitz"

	"github.com/Lllllllleong/documentpageflow/internal/apperr"
	"github.com/Lllllllleong/documentpageflow/internal/models"
)

// Page is an open page. It owns the native document handle and must be closed.
type Page struct {
	Number int
	Width  float64
	Height float64
	Links  []models.PageLink

	doc   *fitz.Document
	index int
}

// Open loads page pageNumber (1-based) from a PDF held in memory.
//
// Geometry and link rectangles come from the PDF object tree. When that cannot
// be parsed, the renderer's own page bounds and link targets are used instead.
func Open(logger *slog.Logger, data []byte, pageNumber int) (*Page, error) {
	if logger == nil {
		logger = slog.Default()
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, apperr.ValidationError("open document", fmt.Errorf("%w: %w", apperr.ErrNotAPDF, err))
	}

	p := &Page{Number: pageNumber, doc: doc, index: pageNumber - 1}
	if err := p.load(logger, data); err != nil {
		doc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Page) load(logger *slog.Logger, data []byte) error {
	numPages := p.doc.NumPage()
	if p.Number < 1 || p.Number > numPages {
		return apperr.ValidationError("open page", fmt.Errorf("%w: page %d of %d", apperr.ErrPageOutOfRange, p.Number, numPages))
	}

	l, err := readLayout(data, p.Number)
	if err == nil {
		p.Width, p.Height = l.displaySize()
		p.Links = l.links
	} else {
		logger.Warn("Could not read page structure, using renderer bounds.", "pageNumber", p.Number, "error", err)
		if err := p.loadFromRenderer(); err != nil {
			return err
		}
	}

	if p.Width <= 0 || p.Height <= 0 {
		return apperr.ValidationError("open page", fmt.Errorf("%w: %gx%g", apperr.ErrInvalidGeometry, p.Width, p.Height))
	}
	return nil
}

// loadFromRenderer fills geometry from MuPDF. Its link list carries no
// rectangles.
func (p *Page) loadFromRenderer() error {
	bounds, err := p.doc.Bound(p.index)
	if err != nil {
		return apperr.New(apperr.Internal, "page bounds", err)
	}
	p.Width = math.Abs(float64(bounds.Max.X - bounds.Min.X))
	p.Height = math.Abs(float64(bounds.Max.Y - bounds.Min.Y))

	links, err := p.doc.Links(p.index)
	if err != nil {
		return apperr.New(apperr.Internal, "page links", err)
	}
	for _, link := range links {
		if link.URI == "" {
			continue
		}
		p.Links = append(p.Links, models.PageLink{Href: link.URI})
	}
	return nil
}

// Dimensions returns the page size in points.
func (p *Page) Dimensions() (float64, float64) {
	return p.Width, p.Height
}

func (p *Page) PageLinks() []models.PageLink {
	return p.Links
}

// Render rasterizes the page at scale, where 1.0 is 72 DPI.
func (p *Page) Render(scale float64) (*image.RGBA, error) {
	img, err := p.doc.ImageDPI(p.index, 72*scale)
	if err != nil {
		if errors.Is(err, fitz.ErrCreatePixmap) {
			return nil, apperr.ResourceError("render page", fmt.Errorf("%w: %w", apperr.ErrResourceExhausted, err))
		}
		return nil, apperr.New(apperr.Internal, "render page", err)
	}
	return img, nil
}

// IsVertical reports whether the page is strictly taller than it is wide.
func (p *Page) IsVertical() bool {
	return p.Height > p.Width
}

// Close releases the native document. It is safe to call more than once.
func (p *Page) Close() error {
	if p.doc == nil {
		return nil
	}
	err := p.doc.Close()
	p.doc = nil
	return err
}

// CountPages returns the number of pages in a PDF held in memory.
func CountPages(data []byte) (int, error) {
	n, err := countPages(data)
	if err == nil {
		return n, nil
	}

	doc, ferr := fitz.NewFromMemory(data)
	if ferr != nil {
		return 0, apperr.ValidationError("count pages", fmt.Errorf("%w: %w", apperr.ErrNotAPDF, errors.Join(err, ferr)))
	}
	defer doc.Close()
	return doc.NumPage(), nil
}
