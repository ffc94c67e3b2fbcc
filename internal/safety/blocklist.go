package safety

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ConfigGetter reads a dynamic configuration value.
type ConfigGetter interface {
	Get(ctx context.Context, key string) (any, error)
}

// Blocklist reads the keyword list from remote config and keeps it for ttl.
// Failed reads are not cached.
type Blocklist struct {
	config ConfigGetter
	key    string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	keywords  []string
	fetchedAt time.Time
	loaded    bool
}

func NewBlocklist(config ConfigGetter, key string, ttl time.Duration) *Blocklist {
	return &Blocklist{config: config, key: key, ttl: ttl, now: time.Now}
}

func (b *Blocklist) Keywords(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded && b.now().Sub(b.fetchedAt) < b.ttl {
		return b.keywords, nil
	}

	raw, err := b.config.Get(ctx, b.key)
	if err != nil {
		return nil, err
	}
	keywords, err := toKeywords(raw)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", b.key, err)
	}

	b.keywords = keywords
	b.fetchedAt = b.now()
	b.loaded = true
	return keywords, nil
}

// toKeywords accepts an unset value or a list; non-string entries are ignored.
func toKeywords(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of keywords, got %T", raw)
	}
}
