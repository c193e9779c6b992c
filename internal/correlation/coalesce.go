package correlation

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"fixline/internal/domain"
)

// ActiveFinder looks up the non-terminal transaction for a resource started at or after since.
type ActiveFinder interface {
	FindActiveByResource(ctx context.Context, resourceID, since string) (domain.Transaction, bool, error)
}

// Coalescer answers whether a new alert should merge into an in-flight transaction.
type Coalescer struct {
	Finder ActiveFinder
	Window time.Duration
	Now    func() time.Time

	alerts *lru.Cache[string, string]
}

func NewCoalescer(finder ActiveFinder, window time.Duration, cacheSize int) (*Coalescer, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Coalescer{Finder: finder, Window: window, Now: time.Now, alerts: cache}, nil
}

// Active returns the active transaction for resourceID inside the trailing window.
// A zero window means any active transaction matches.
func (c *Coalescer) Active(ctx context.Context, resourceID string) (domain.Transaction, bool, error) {
	if resourceID == "" {
		return domain.Transaction{}, false, nil
	}
	since := ""
	if c.Window > 0 {
		since = domain.Timestamp(c.now().Add(-c.Window))
	}
	return c.Finder.FindActiveByResource(ctx, resourceID, since)
}

// Seen returns the transaction an alert id was already routed to, from the hot cache.
func (c *Coalescer) Seen(alertID string) (string, bool) {
	return c.alerts.Get(alertID)
}

func (c *Coalescer) Remember(alertID, transactionID string) {
	c.alerts.Add(alertID, transactionID)
}

// Forget drops a cached route, e.g. after its transaction was pruned.
func (c *Coalescer) Forget(alertID string) {
	c.alerts.Remove(alertID)
}

func (c *Coalescer) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
