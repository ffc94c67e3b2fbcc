package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentpageflow/internal/alert"
	"github.com/Lllllllleong/documentpageflow/internal/apperr"
	"github.com/Lllllllleong/documentpageflow/internal/encode"
	"github.com/Lllllllleong/documentpageflow/internal/fetch"
	"github.com/Lllllllleong/documentpageflow/internal/models"
	"github.com/Lllllllleong/documentpageflow/internal/raster"
	"github.com/Lllllllleong/documentpageflow/internal/retry"
	"github.com/Lllllllleong/documentpageflow/internal/safety"
	"github.com/Lllllllleong/documentpageflow/internal/store"
)

func noWait() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

type fakeFetcher struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(context.Context, *slog.Logger, fetch.Source) ([]byte, error) {
	f.calls++
	return f.data, f.err
}

type fakePage struct {
	width, height float64
	links         []models.PageLink
	renderErr     error
	closed        int
}

func (p *fakePage) Dimensions() (float64, float64) { return p.width, p.height }
func (p *fakePage) PageLinks() []models.PageLink { return p.links }
func (p *fakePage) Close() error { p.closed++; return nil }
func (p *fakePage) Render(scale float64) (*image.RGBA, error) {
	if p.renderErr != nil {
		return nil, p.renderErr
	}
	w := int(math.Round(p.width * scale))
	h := int(math.Round(p.height * scale))
	// Only the bounds are inspected downstream, so no pixels are allocated.
	return &image.RGBA{Rect: image.Rect(0, 0, w, h)}, nil
}

type countingRenderer struct {
	inner *raster.Rasterizer
	calls int
}

func (r *countingRenderer) Render(ctx context.Context, logger *slog.Logger, page raster.Page, scale float64) (raster.Result, error) {
	r.calls++
	return r.inner.Render(ctx, logger, page, scale)
}

type fakeEncoder struct {
	format string
	bounds image.Rectangle
}

func (e *fakeEncoder) Encode(_ context.Context, img image.Image) (encode.Encoded, error) {
	e.bounds = img.Bounds()
	return encode.Encoded{Data: []byte("encoded"), Format: e.format}, nil
}

type fakeUploader struct {
	failures int
	err      error
	calls    int
	name     string
	teamID   string
	docID    string
	ctype    string
}

func (u *fakeUploader) Put(_ context.Context, _ []byte, name, contentType, teamID, docID string) (string, string, error) {
	u.calls++
	if u.calls <= u.failures {
		return "", "", u.err
	}
	u.name, u.ctype, u.teamID, u.docID = name, contentType, teamID, docID
	return models.StorageTypeGCS, "gs://pages/" + teamID + "/" + docID + "/" + name, nil
}

// memRecords is an in-memory page store with the same keying as Firestore.
// Like the Firestore store it creates the page row before writing page 1's
// orientation, and orientationErrs fails that many orientation writes.
type memRecords struct {
	mu              sync.Mutex
	pages           map[string]models.DocumentPage
	nextID          int
	orientation     map[string]bool
	orientationErrs int
}

func newMemRecords() *memRecords {
	return &memRecords{pages: map[string]models.DocumentPage{}, orientation: map[string]bool{}}
}

func (m *memRecords) SetOrientation(_ context.Context, versionID string, isVertical bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setOrientation(versionID, isVertical)
}

func (m *memRecords) setOrientation(versionID string, isVertical bool) error {
	if m.orientationErrs > 0 {
		m.orientationErrs--
		return errors.New("deadline exceeded")
	}
	m.orientation[versionID] = isVertical
	return nil
}

func (m *memRecords) FindPage(_ context.Context, versionID string, pageNumber int) (*models.DocumentPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[store.PageDocID(versionID, pageNumber)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memRecords) UpsertPage(_ context.Context, _ *slog.Logger, page models.DocumentPage) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := store.PageDocID(page.VersionID, page.PageNumber)
	if p, ok := m.pages[key]; ok {
		return p.ID, false, nil
	}
	m.nextID++
	page.ID = fmt.Sprintf("page_%d", m.nextID)
	m.pages[key] = page
	if page.PageNumber == 1 {
		if err := m.setOrientation(page.VersionID, store.IsVertical(page.Metadata.OriginalWidth, page.Metadata.OriginalHeight)); err != nil {
			return "", false, err
		}
	}
	return page.ID, true, nil
}

type captureAlerts struct {
	mu     sync.Mutex
	events []alert.Event
	waits  int
}

func (c *captureAlerts) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits++
}

func (c *captureAlerts) Log(_ context.Context, e alert.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type staticKeywords []string

func (k staticKeywords) Keywords(context.Context) ([]string, error) { return k, nil }

type failingKeywords struct{}

func (failingKeywords) Keywords(context.Context) ([]string, error) {
	return nil, errors.New("config unavailable")
}

type harness struct {
	fetcher  *fakeFetcher
	page     *fakePage
	renderer *countingRenderer
	encoder  *fakeEncoder
	uploader *fakeUploader
	records  *memRecords
	alerts   *captureAlerts
	opened   int
	openErr  error
}

func newHarness(page *fakePage) *harness {
	return &harness{
		fetcher:  &fakeFetcher{data: []byte("%PDF-1.7 fake")},
		page:     page,
		renderer: &countingRenderer{inner: raster.New(1, 0)},
		encoder:  &fakeEncoder{format: encode.FormatPNG},
		uploader: &fakeUploader{},
		records:  newMemRecords(),
		alerts:   &captureAlerts{},
	}
}

func (h *harness) converter(keywords ...string) *PageConverterFunction {
	return NewPageConverterWithDeps(PageConverterDeps{
		Fetcher: h.fetcher,
		Open: func(_ *slog.Logger, _ []byte, _ int) (OpenedPage, error) {
			h.opened++
			if h.openErr != nil {
				return nil, h.openErr
			}
			return h.page, nil
		},
		Links:       safety.NewScanner(staticKeywords(keywords), h.alerts),
		Renderer:    h.renderer,
		Encoder:     h.encoder,
		Uploader:    h.uploader,
		UploadRetry: noWait(),
		Records:     h.records,
		Alerts:      h.alerts,
	})
}

func convertRequest(pageNumber int) *models.ConvertPageRequest {
	return &models.ConvertPageRequest{
		DocumentVersionID: "ver_1",
		PageNumber:        pageNumber,
		URL:               "https://storage.example/team_1/doc_abc/source.pdf?sig=1",
		TeamID:            "team_1",
	}
}

func TestProcess_PortraitPage(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})

	res, err := h.converter().Process(context.Background(), convertRequest(2))
	require.NoError(t, err)
	require.NotEmpty(t, res.DocumentPageID)

	page, err := h.records.FindPage(context.Background(), "ver_1", 2)
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, res.DocumentPageID, page.ID)
	assert.Equal(t, 2.95, page.Metadata.ScaleFactor)
	assert.Equal(t, 1770.0, page.Metadata.Width)
	assert.Equal(t, 2360.0, page.Metadata.Height)
	assert.Equal(t, 600.0, page.Metadata.OriginalWidth)
	assert.Equal(t, 800.0, page.Metadata.OriginalHeight)
	assert.Equal(t, encode.FormatPNG, page.Metadata.Format)
	assert.Equal(t, models.StorageTypeGCS, page.StorageType)

	assert.Equal(t, "ver_1/page-2.png", h.uploader.name)
	assert.Equal(t, "image/png", h.uploader.ctype)
	assert.Equal(t, "team_1", h.uploader.teamID)
	assert.Equal(t, "doc_abc", h.uploader.docID)
	assert.Equal(t, 1, h.page.closed)
	assert.Empty(t, h.alerts.events)
}

func TestProcess_LargePageStaysWithinCeilings(t *testing.T) {
	h := newHarness(&fakePage{width: 5000, height: 5000})

	_, err := h.converter().Process(context.Background(), convertRequest(3))
	require.NoError(t, err)

	page, _ := h.records.FindPage(context.Background(), "ver_1", 3)
	require.NotNil(t, page)
	assert.GreaterOrEqual(t, page.Metadata.ScaleFactor, 1.0)
	assert.LessOrEqual(t, page.Metadata.Width, float64(raster.MaxPixelDimension))
	assert.LessOrEqual(t, page.Metadata.Height, float64(raster.MaxPixelDimension))
	assert.LessOrEqual(t, page.Metadata.Width*page.Metadata.Height, float64(raster.MaxTotalPixels))
}

func TestProcess_IdempotentRedelivery(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})
	conv := h.converter()

	first, err := conv.Process(context.Background(), convertRequest(1))
	require.NoError(t, err)
	second, err := conv.Process(context.Background(), convertRequest(1))
	require.NoError(t, err)

	assert.Equal(t, first.DocumentPageID, second.DocumentPageID)
	assert.Equal(t, 1, h.fetcher.calls)
	assert.Equal(t, 1, h.renderer.calls)
	assert.Equal(t, 1, h.uploader.calls)
	assert.Len(t, h.records.pages, 1)
}

func TestProcess_RedeliveryRecordsMissedOrientation(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})
	h.records.orientationErrs = 1
	conv := h.converter()

	_, err := conv.Process(context.Background(), convertRequest(1))
	require.Error(t, err)
	require.Len(t, h.records.pages, 1)
	assert.NotContains(t, h.records.orientation, "ver_1")

	res, err := conv.Process(context.Background(), convertRequest(1))
	require.NoError(t, err)
	assert.NotEmpty(t, res.DocumentPageID)

	isVertical, ok := h.records.orientation["ver_1"]
	require.True(t, ok)
	assert.True(t, isVertical)
	assert.Equal(t, 1, h.uploader.calls)
}

func TestProcess_RedeliveryOfLaterPageLeavesOrientation(t *testing.T) {
	h := newHarness(&fakePage{width: 800, height: 600})
	conv := h.converter()

	_, err := conv.Process(context.Background(), convertRequest(2))
	require.NoError(t, err)
	_, err = conv.Process(context.Background(), convertRequest(2))
	require.NoError(t, err)
	assert.Empty(t, h.records.orientation)
}

func TestProcess_BlockedLinkShortCircuits(t *testing.T) {
	h := newHarness(&fakePage{
		width: 600, height: 800,
		links: []models.PageLink{
			{Href: "https://example.com"},
			{Href: "https://malware.example/x"},
		},
	})

	res, err := h.converter("malware.example").Process(context.Background(), convertRequest(1))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, apperr.Policy, apperr.KindOf(err))

	var blocked *safety.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "https://malware.example/x", blocked.Href)
	assert.Equal(t, "malware.example", blocked.Keyword)

	assert.Zero(t, h.renderer.calls)
	assert.Zero(t, h.uploader.calls)
	assert.Empty(t, h.records.pages)
	assert.Equal(t, 1, h.page.closed)

	require.Len(t, h.alerts.events, 1)
	assert.Equal(t, alert.SeverityWarning, h.alerts.events[0].Severity)
	assert.False(t, h.alerts.events[0].Notify)
	assert.Equal(t, "malware.example", h.alerts.events[0].Metadata["matchedKeyword"])
}

func TestProcess_BlocklistFailureAlertCarriesRequest(t *testing.T) {
	h := newHarness(&fakePage{
		width: 600, height: 800,
		links: []models.PageLink{{Href: "https://example.com/a"}},
	})
	conv := h.converter()
	conv.deps.Links = safety.NewScanner(failingKeywords{}, h.alerts)

	_, err := conv.Process(context.Background(), convertRequest(5))
	require.NoError(t, err)
	assert.Equal(t, 1, h.uploader.calls)

	require.Len(t, h.alerts.events, 1)
	e := h.alerts.events[0]
	assert.Equal(t, alert.SeverityWarning, e.Severity)
	assert.False(t, e.Notify)
	assert.Equal(t, "team_1", e.Metadata["teamId"])
	assert.Equal(t, "ver_1", e.Metadata["documentVersionId"])
	assert.Equal(t, 5, e.Metadata["pageNumber"])
}

func TestWaitForAlerts(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})
	conv := h.converter()
	conv.WaitForAlerts()
	assert.Equal(t, 1, h.alerts.waits)

	d, _, _, alerts := newTestDispatcher(&fakeObjects{})
	d.WaitForAlerts()
	assert.Equal(t, 1, alerts.waits)
}

func TestProcess_FetchExhaustedNeverUploads(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	h := newHarness(&fakePage{width: 600, height: 800})
	conv := h.converter()
	conv.deps.Fetcher = fetch.New(srv.Client(), nil, noWait())

	req := convertRequest(1)
	req.URL = srv.URL + "/doc_abc/source.pdf"
	_, err := conv.Process(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrFetchExhausted)
	assert.Equal(t, 3, hits)
	assert.Zero(t, h.opened)
	assert.Zero(t, h.uploader.calls)
	assert.Empty(t, h.records.pages)

	require.Len(t, h.alerts.events, 1)
	event := h.alerts.events[0]
	assert.True(t, event.Notify)
	assert.Equal(t, alert.SeverityError, event.Severity)
	assert.Equal(t, "team_1", event.Metadata["teamId"])
	assert.Equal(t, "ver_1", event.Metadata["documentVersionId"])
	assert.Equal(t, 1, event.Metadata["pageNumber"])
}

func TestProcess_NotAPDFFailsBeforeRendering(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})
	h.fetcher.err = apperr.ValidationError("fetch", apperr.ErrNotAPDF)

	_, err := h.converter().Process(context.Background(), convertRequest(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotAPDF)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Zero(t, h.opened)
	assert.Zero(t, h.renderer.calls)
}

func TestProcess_InvalidGeometry(t *testing.T) {
	h := newHarness(&fakePage{})
	h.openErr = apperr.ValidationError("open page", apperr.ErrInvalidGeometry)

	_, err := h.converter().Process(context.Background(), convertRequest(1))
	assert.ErrorIs(t, err, apperr.ErrInvalidGeometry)
	assert.Zero(t, h.renderer.calls)
}

func TestProcess_UploadRetriesThenSucceeds(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})
	h.uploader.failures = 2
	h.uploader.err = apperr.TransientError("upload", errors.New("503 from storage"))

	_, err := h.converter().Process(context.Background(), convertRequest(1))
	require.NoError(t, err)
	assert.Equal(t, 3, h.uploader.calls)
	assert.Len(t, h.records.pages, 1)
}

func TestProcess_UploadExhausted(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})
	h.uploader.failures = 10
	h.uploader.err = apperr.TransientError("upload", errors.New("503 from storage"))

	_, err := h.converter().Process(context.Background(), convertRequest(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUploadExhausted)
	assert.Equal(t, 3, h.uploader.calls)
	assert.Empty(t, h.records.pages)
	assert.Equal(t, 1, h.page.closed)
}

func TestProcess_DegradedRenderRecordsActualScale(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})
	h.renderer.inner = raster.New(1, raster.EstimateBytes(600, 800, 2))

	_, err := h.converter().Process(context.Background(), convertRequest(1))
	require.NoError(t, err)

	page, _ := h.records.FindPage(context.Background(), "ver_1", 1)
	require.NotNil(t, page)
	assert.Equal(t, raster.DegradedScale(2.95), page.Metadata.ScaleFactor)
	assert.Equal(t, h.encoder.bounds.Dx(), int(page.Metadata.Width))
}

func TestProcess_RenderFailureReleasesPage(t *testing.T) {
	h := newHarness(&fakePage{
		width: 600, height: 800,
		renderErr: apperr.ResourceError("render page", apperr.ErrResourceExhausted),
	})

	_, err := h.converter().Process(context.Background(), convertRequest(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRasterizationFailed)
	assert.Equal(t, 1, h.page.closed)
	assert.Zero(t, h.uploader.calls)
}

func TestProcess_InvalidRequest(t *testing.T) {
	h := newHarness(&fakePage{width: 600, height: 800})
	req := convertRequest(0)

	_, err := h.converter().Process(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Zero(t, h.fetcher.calls)
}

func TestDocIDFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://storage.googleapis.com/bucket/team_1/doc_abc123/file.pdf", "doc_abc123"},
		{"https://cdn.example/doc_x/doc_y/file.pdf", "doc_x"},
		{"https://cdn.example/files/file.pdf", "ver_fallback"},
		{"https://cdn.example/doc_tail", "ver_fallback"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DocIDFromURL(tt.url, "ver_fallback"), tt.url)
	}
}
