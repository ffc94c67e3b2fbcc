package pdfpage

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentpageflow/internal/apperr"
	"github.com/Lllllllleong/documentpageflow/internal/models"
)

// buildPDF writes a minimal one-page document. pageEntries is spliced into
// the page dictionary; annots are written as separate objects and referenced
// from /Annots.
func buildPDF(pageEntries string, annots ...string) []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
	}
	page := "<< /Type /Page /Parent 2 0 R /Resources << >> " + pageEntries
	if len(annots) > 0 {
		refs := make([]string, len(annots))
		for i := range annots {
			refs[i] = fmt.Sprintf("%d 0 R", 4+i)
		}
		page += " /Annots [" + strings.Join(refs, " ") + "]"
	}
	page += " >>"
	objects = append(objects, page)
	objects = append(objects, annots...)

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(objects)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return []byte(b.String())
}

func uriAnnot(rect, uri string) string {
	return fmt.Sprintf("<< /Type /Annot /Subtype /Link /Rect [%s] /Border [0 0 0] /A << /S /URI /URI (%s) >> >>", rect, uri)
}

func TestReadLayout_MediaBoxAndLinks(t *testing.T) {
	data := buildPDF("/MediaBox [0 0 600 800]",
		uriAnnot("72 700 272 720", "https://malware.example/x"),
		"<< /Type /Annot /Subtype /Text /Rect [0 0 10 10] /Contents (note) >>",
		uriAnnot("100 100 200 150", "https://example.com"),
	)

	l, err := readLayout(data, 1)
	require.NoError(t, err)

	w, h := l.displaySize()
	assert.Equal(t, 600.0, w)
	assert.Equal(t, 800.0, h)
	assert.Equal(t, []models.PageLink{
		{Href: "https://malware.example/x", BoundingBox: models.BoundingBox{X0: 72, Y0: 80, X1: 272, Y1: 100}},
		{Href: "https://example.com", BoundingBox: models.BoundingBox{X0: 100, Y0: 650, X1: 200, Y1: 700}},
	}, l.links)
}

func TestReadLayout_CropBoxAndRotation(t *testing.T) {
	data := buildPDF("/MediaBox [0 0 612 792] /CropBox [6 6 606 786] /Rotate 90")

	l, err := readLayout(data, 1)
	require.NoError(t, err)
	assert.Equal(t, 90, l.rotate)

	w, h := l.displaySize()
	assert.Equal(t, 780.0, w)
	assert.Equal(t, 600.0, h)
	assert.Empty(t, l.links)
}

func TestToPageSpace_Rotation(t *testing.T) {
	box := rect{llx: 0, lly: 0, urx: 100, ury: 200}
	// Top-left 10x20 corner of the unrotated page.
	r := rect{llx: 0, lly: 180, urx: 10, ury: 200}

	tests := []struct {
		rotate int
		want   models.BoundingBox
	}{
		{0, models.BoundingBox{X0: 0, Y0: 0, X1: 10, Y1: 20}},
		{90, models.BoundingBox{X0: 180, Y0: 0, X1: 200, Y1: 10}},
		{180, models.BoundingBox{X0: 90, Y0: 180, X1: 100, Y1: 200}},
		{270, models.BoundingBox{X0: 0, Y0: 90, X1: 20, Y1: 100}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.rotate), func(t *testing.T) {
			l := layout{box: box, rotate: tt.rotate}
			assert.Equal(t, tt.want, l.toPageSpace(r))
		})
	}
}

func TestOpen(t *testing.T) {
	data := buildPDF("/MediaBox [0 0 600 800]", uriAnnot("72 700 272 720", "https://example.com/a"))

	p, err := Open(nil, data, 1)
	require.NoError(t, err)
	defer p.Close()

	w, h := p.Dimensions()
	assert.Equal(t, 600.0, w)
	assert.Equal(t, 800.0, h)
	assert.True(t, p.IsVertical())
	require.Len(t, p.Links, 1)
	assert.Equal(t, "https://example.com/a", p.Links[0].Href)

	img, err := p.Render(1)
	require.NoError(t, err)
	assert.InDelta(t, 600, img.Bounds().Dx(), 1)
	assert.InDelta(t, 800, img.Bounds().Dy(), 1)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestOpen_Errors(t *testing.T) {
	valid := buildPDF("/MediaBox [0 0 600 800]")

	tests := []struct {
		name    string
		data    []byte
		page    int
		wantErr error
	}{
		{"page zero", valid, 0, apperr.ErrPageOutOfRange},
		{"past last page", valid, 2, apperr.ErrPageOutOfRange},
		{"zero width", buildPDF("/MediaBox [0 0 0 800]"), 1, apperr.ErrInvalidGeometry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Open(nil, tt.data, tt.page)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, apperr.Validation, apperr.KindOf(err))
		})
	}
}

func TestCountPages(t *testing.T) {
	n, err := CountPages(buildPDF("/MediaBox [0 0 612 792]"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
