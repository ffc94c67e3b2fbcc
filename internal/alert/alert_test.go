package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookLogger_PostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		received <- e
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wl := NewWebhookLogger(srv.URL, srv.Client())
	wl.Log(ctx, Event{Message: "page failed", Severity: SeverityError, Notify: true, Metadata: map[string]any{"pageNumber": 3}})
	// Cancelling the request context must not drop the alert.
	cancel()
	wl.Wait()

	require.Len(t, received, 1)
	got := <-received
	assert.Equal(t, "page failed", got.Message)
	assert.Equal(t, SeverityError, got.Severity)
	assert.True(t, got.Notify)
	assert.EqualValues(t, 3, got.Metadata["pageNumber"])
}

func TestWebhookLogger_DeliveryFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wl := NewWebhookLogger(srv.URL, srv.Client())
	assert.NotPanics(t, func() {
		wl.Log(context.Background(), Event{Message: "x"})
		wl.Wait()
	})
}

func TestSlogLogger_WritesLevelAndMetadata(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	l.Log(context.Background(), Event{
		Message:  "Document processing blocked",
		Severity: SeverityWarning,
		Metadata: map[string]any{"teamId": "team_1"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "Document processing blocked", line["msg"])
	assert.Equal(t, "team_1", line["teamId"])
	assert.Equal(t, false, line["notify"])
}

type captureLogger struct{ events []Event }

func (c *captureLogger) Log(_ context.Context, e Event) { c.events = append(c.events, e) }

func TestMulti_FansOut(t *testing.T) {
	a, b := &captureLogger{}, &captureLogger{}
	Multi{a, b}.Log(context.Background(), Event{Message: "m"})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestWait_BlocksUntilDelivered(t *testing.T) {
	var delivered atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		delivered.Store(true)
	}))
	defer srv.Close()

	chain := Multi{&captureLogger{}, NewWebhookLogger(srv.URL, srv.Client())}
	chain.Log(context.Background(), Event{Message: "page failed"})
	Wait(chain)
	assert.True(t, delivered.Load())

	assert.NotPanics(t, func() { Wait(&captureLogger{}) })
}

func TestMetadataFrom(t *testing.T) {
	assert.Empty(t, MetadataFrom(context.Background()))

	ctx := WithMetadata(context.Background(), map[string]any{"teamId": "team_1"})
	md := MetadataFrom(ctx)
	assert.Equal(t, map[string]any{"teamId": "team_1"}, md)

	md["matchedUrl"] = "https://x"
	assert.NotContains(t, MetadataFrom(ctx), "matchedUrl")
}
