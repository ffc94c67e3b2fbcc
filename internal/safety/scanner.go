// Package safety rejects pages whose embedded links point at blocklisted
// destinations.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/documentpageflow/internal/alert"
	"github.com/Lllllllleong/documentpageflow/internal/apperr"
	"github.com/Lllllllleong/documentpageflow/internal/models"
)

// BlockedError reports the first link that matched a blocklist keyword.
type BlockedError struct {
	Href    string
	Keyword string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("document processing blocked: link %q matches keyword %q", e.Href, e.Keyword)
}

// KeywordSource supplies the current blocklist.
type KeywordSource interface {
	Keywords(ctx context.Context) ([]string, error)
}

// Scan checks links in order and returns the first (href, keyword) pair where
// the keyword is a substring of the href, or nil when nothing matches.
func Scan(links []models.PageLink, keywords []string) *BlockedError {
	for _, link := range links {
		if link.Href == "" {
			continue
		}
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(link.Href, kw) {
				return &BlockedError{Href: link.Href, Keyword: kw}
			}
		}
	}
	return nil
}

// Scanner gates the pipeline on the blocklist.
type Scanner struct {
	source KeywordSource
	alerts alert.Logger
}

func NewScanner(source KeywordSource, alerts alert.Logger) *Scanner {
	return &Scanner{source: source, alerts: alerts}
}

// Check returns an apperr.Policy error wrapping *BlockedError when a link is
// blocklisted. When the blocklist cannot be read the page is let through and
// the failure is reported to the alert logger.
func (s *Scanner) Check(ctx context.Context, logger *slog.Logger, links []models.PageLink) error {
	if len(links) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	keywords, err := s.source.Keywords(ctx)
	if err != nil {
		logger.Warn("Failed to load link blocklist, continuing without it.", "error", err)
		if s.alerts != nil {
			s.alerts.Log(ctx, alert.Event{
				Message:  fmt.Sprintf("Failed to check page links against blocklist: %v", err),
				Severity: alert.SeverityWarning,
				Metadata: alert.MetadataFrom(ctx),
			})
		}
		return nil
	}

	if blocked := Scan(links, keywords); blocked != nil {
		return apperr.PolicyError("link safety", blocked)
	}
	return nil
}
