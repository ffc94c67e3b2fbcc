package pdfpage

import (
	"bytes"
	"fmt"
	"math"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/Lllllllleong/documentpageflow/internal/models"
)

func init() {
	// Cloud Functions have a read-only home directory.
	api.DisableConfigDir()
}

// rect is a PDF rectangle in default user space (bottom-left origin).
type rect struct {
	llx, lly, urx, ury float64
}

func normalize(x0, y0, x1, y1 float64) rect {
	return rect{
		llx: math.Min(x0, x1), lly: math.Min(y0, y1),
		urx: math.Max(x0, x1), ury: math.Max(y0, y1),
	}
}

func (r rect) width() float64  { return r.urx - r.llx }
func (r rect) height() float64 { return r.ury - r.lly }

// layout is the geometry and link set of one page as read from the PDF
// object tree.
type layout struct {
	box    rect
	rotate int
	links  []models.PageLink
}

// displaySize is the page size after /Rotate is applied.
func (l layout) displaySize() (width, height float64) {
	if l.rotate == 90 || l.rotate == 270 {
		return l.box.height(), l.box.width()
	}
	return l.box.width(), l.box.height()
}

func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// readLayout parses data with pdfcpu and returns the geometry of the 1-based
// page pageNr.
func readLayout(data []byte, pageNr int) (layout, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return layout{}, fmt.Errorf("pdfcpu read: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return layout{}, fmt.Errorf("pdfcpu validate: %w", err)
	}

	d, _, inherited, err := ctx.PageDict(pageNr, false)
	if err != nil {
		return layout{}, fmt.Errorf("page %d: %w", pageNr, err)
	}
	if d == nil {
		return layout{}, fmt.Errorf("page %d: no page dictionary", pageNr)
	}

	var l layout
	box, ok := boxEntry(ctx, d, "CropBox")
	if !ok {
		box, ok = boxEntry(ctx, d, "MediaBox")
	}
	if !ok && inherited != nil {
		if r := inherited.CropBox; r != nil {
			box, ok = normalize(r.LL.X, r.LL.Y, r.UR.X, r.UR.Y), true
		} else if r := inherited.MediaBox; r != nil {
			box, ok = normalize(r.LL.X, r.LL.Y, r.UR.X, r.UR.Y), true
		}
	}
	if !ok {
		return layout{}, fmt.Errorf("page %d: no media box", pageNr)
	}
	l.box = box

	if rot := d.IntEntry("Rotate"); rot != nil {
		l.rotate = *rot
	} else if inherited != nil {
		l.rotate = inherited.Rotate
	}
	l.rotate = ((l.rotate % 360) + 360) % 360

	l.links = readLinks(ctx, d, l)
	return l, nil
}

func boxEntry(ctx *model.Context, d types.Dict, key string) (rect, bool) {
	obj, found := d.Find(key)
	if !found {
		return rect{}, false
	}
	return rectFromObject(ctx, obj)
}

func rectFromObject(ctx *model.Context, obj types.Object) (rect, bool) {
	arr, err := ctx.DereferenceArray(obj)
	if err != nil || len(arr) != 4 {
		return rect{}, false
	}
	var v [4]float64
	for i, o := range arr {
		n, ok := number(ctx, o)
		if !ok {
			return rect{}, false
		}
		v[i] = n
	}
	return normalize(v[0], v[1], v[2], v[3]), true
}

func number(ctx *model.Context, o types.Object) (float64, bool) {
	o, err := ctx.Dereference(o)
	if err != nil {
		return 0, false
	}
	switch n := o.(type) {
	case types.Integer:
		return float64(n), true
	case types.Float:
		return float64(n), true
	}
	return 0, false
}

// readLinks collects URI link annotations in /Annots order. Annotations that
// cannot be decoded are skipped.
func readLinks(ctx *model.Context, d types.Dict, l layout) []models.PageLink {
	obj, found := d.Find("Annots")
	if !found {
		return nil
	}
	annots, err := ctx.DereferenceArray(obj)
	if err != nil {
		return nil
	}

	var links []models.PageLink
	for _, a := range annots {
		annot, err := ctx.DereferenceDict(a)
		if err != nil || annot == nil {
			continue
		}
		if st := annot.NameEntry("Subtype"); st == nil || *st != "Link" {
			continue
		}
		href := linkURI(ctx, annot)
		if href == "" {
			continue
		}
		var bbox models.BoundingBox
		if r, ok := boxEntry(ctx, annot, "Rect"); ok {
			bbox = l.toPageSpace(r)
		}
		links = append(links, models.PageLink{Href: href, BoundingBox: bbox})
	}
	return links
}

func linkURI(ctx *model.Context, annot types.Dict) string {
	obj, found := annot.Find("A")
	if !found {
		return ""
	}
	action, err := ctx.DereferenceDict(obj)
	if err != nil || action == nil {
		return ""
	}
	if s := action.NameEntry("S"); s == nil || *s != "URI" {
		return ""
	}
	uriObj, found := action.Find("URI")
	if !found {
		return ""
	}
	uriObj, err = ctx.Dereference(uriObj)
	if err != nil {
		return ""
	}
	var uri string
	switch v := uriObj.(type) {
	case types.StringLiteral:
		uri, err = types.StringLiteralToString(v)
	case types.HexLiteral:
		uri, err = types.HexLiteralToString(v)
	default:
		return ""
	}
	if err != nil {
		return ""
	}
	return uri
}

// toPageSpace maps r from PDF user space into the rendered page's
// coordinates: points, top-left origin, after /Rotate.
func (l layout) toPageSpace(r rect) models.BoundingBox {
	w, h := l.box.width(), l.box.height()
	// Unrotated, top-left origin.
	u0, v0 := r.llx-l.box.llx, l.box.ury-r.ury
	u1, v1 := r.urx-l.box.llx, l.box.ury-r.lly

	rot := func(u, v float64) (float64, float64) {
		switch l.rotate {
		case 90:
			return h - v, u
		case 180:
			return w - u, h - v
		case 270:
			return v, w - u
		}
		return u, v
	}
	x0, y0 := rot(u0, v0)
	x1, y1 := rot(u1, v1)
	n := normalize(x0, y0, x1, y1)
	return models.BoundingBox{X0: n.llx, Y0: n.lly, X1: n.urx, Y1: n.ury}
}

// countPages reads the page count with pdfcpu.
func countPages(data []byte) (int, error) {
	return api.PageCount(bytes.NewReader(data), newConfiguration())
}
