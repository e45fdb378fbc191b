package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/types"
)

// ruleCache memoizes rule lookups per project for a short TTL so a burst of
// record creations does not turn into a lookup storm.
type ruleCache struct {
	finder RuleFinder
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]cacheEntry
}

type cacheEntry struct {
	rules   []types.Rule
	expires time.Time
}

func newRuleCache(finder RuleFinder, ttl time.Duration) *ruleCache {
	return &ruleCache{
		finder:  finder,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]cacheEntry),
	}
}

// Rules returns the cached rules for the project, refreshing them on expiry.
// Lookup failures are not cached.
func (c *ruleCache) Rules(ctx context.Context, projectID uuid.UUID) ([]types.Rule, error) {
	c.mu.Lock()
	if entry, ok := c.entries[projectID]; ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.rules, nil
	}
	c.mu.Unlock()

	rules, err := c.finder.FindApplicableRules(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[projectID] = cacheEntry{rules: rules, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return rules, nil
}
