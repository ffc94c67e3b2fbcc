// Package alert carries operational events to humans. Delivery never fails
// the caller; background deliveries can be awaited with Wait.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one alert. Notify asks the receiver to page a human.
type Event struct {
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Notify   bool           `json:"notify"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Logger receives alert events.
type Logger interface {
	Log(ctx context.Context, e Event)
}

// SlogLogger writes events to a structured logger.
type SlogLogger struct {
	logger *slog.Logger
}

func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Log(ctx context.Context, e Event) {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	attrs := []any{"alert", true, "notify", e.Notify}
	for k, v := range e.Metadata {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(ctx, level, e.Message, attrs...)
}

// WebhookLogger posts events as JSON to an incoming-webhook URL in the background.
type WebhookLogger struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewWebhookLogger(url string, client *http.Client) *WebhookLogger {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookLogger{
		url:     url,
		client:  client,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
}

// Log posts e without blocking the caller. The post outlives ctx's cancellation.
func (w *WebhookLogger) Log(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		w.logger.Error("Failed to marshal alert", "error", err)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()
		if err := w.post(postCtx, body); err != nil {
			w.logger.Warn("Failed to deliver alert", "error", err, "message", e.Message)
		}
	}()
}

func (w *WebhookLogger) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight posts finish.
func (w *WebhookLogger) Wait() {
	w.wg.Wait()
}

// Wait blocks until background deliveries started by l have finished. It
// returns at once for loggers that deliver synchronously.
func Wait(l Logger) {
	if w, ok := l.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// Multi fans an event out to several loggers.
type Multi []Logger

func (m Multi) Log(ctx context.Context, e Event) {
	for _, l := range m {
		l.Log(ctx, e)
	}
}

// Wait waits on every logger in m.
func (m Multi) Wait() {
	for _, l := range m {
		Wait(l)
	}
}

type metadataKey struct{}

// WithMetadata returns a context carrying fields that alerts raised under it
// should include.
func WithMetadata(ctx context.Context, metadata map[string]any) context.Context {
	return context.WithValue(ctx, metadataKey{}, metadata)
}

// MetadataFrom returns a copy of the fields attached by WithMetadata, or an
// empty map.
func MetadataFrom(ctx context.Context) map[string]any {
	out := map[string]any{}
	if md, ok := ctx.Value(metadataKey{}).(map[string]any); ok {
		for k, v := range md {
			out[k] = v
		}
	}
	return out
}

// FromEnv builds the standard alert chain: structured logs always, plus a
// webhook when webhookURL is set.
func FromEnv(webhookURL string) Logger {
	chain := Multi{NewSlogLogger(nil)}
	if webhookURL != "" {
		chain = append(chain, NewWebhookLogger(webhookURL, nil))
	}
	return chain
}
