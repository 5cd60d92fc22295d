package contextmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/chatcore/core/internal/cache"
	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/telemetry"
)

// CachingSummariser wraps a Summariser with a content-addressed cache, so
// re-summarising an identical message segment (e.g. a retried Summarize
// call after a persist failure) skips the upstream call. Safe for
// concurrent use; Cache and Metrics must be safe for concurrent use too.
type CachingSummariser struct {
	next    Summariser
	cache   cache.Cache
	ttl     time.Duration
	metrics *telemetry.Metrics
}

// NewCachingSummariser returns a Summariser that checks c before calling
// next, and populates c with next's result on a miss. metrics may be nil.
func NewCachingSummariser(next Summariser, c cache.Cache, ttl time.Duration, metrics *telemetry.Metrics) *CachingSummariser {
	return &CachingSummariser{next: next, cache: c, ttl: ttl, metrics: metrics}
}

// Summarise implements Summariser.
func (c *CachingSummariser) Summarise(ctx context.Context, messages []chat.Message) (string, error) {
	key := summaryCacheKey(messages)
	if val, ok := c.cache.Get(ctx, key); ok {
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		return string(val), nil
	}
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}

	summary, err := c.next.Summarise(ctx, messages)
	if err != nil {
		return "", err
	}
	c.cache.Set(ctx, key, []byte(summary), c.ttl)
	return summary, nil
}

// summaryCacheKey derives a stable key from the identity and order of the
// messages being summarised; two calls over the same segment (by message ID)
// always produce the same key regardless of content formatting.
func summaryCacheKey(messages []chat.Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
	}
	return "summary:" + hex.EncodeToString(h.Sum(nil))
}
