package mapping

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/kpulse/health"
	"github.com/saiset-co/kpulse/types"
	"github.com/saiset-co/kpulse/utils"
)

const DefaultTTL = 24 * time.Hour

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache remembers how each upstream source names a canonical entity.
// Records older than the TTL are never returned and are evicted by the read
// that finds them. Store failures on reads are logged and reported as a miss.
type Cache struct {
	store   Store
	ttl     time.Duration
	logger  types.Logger
	metrics types.MetricsManager
	now     func() time.Time
}

func NewCache(store Store, ttl time.Duration, logger types.Logger, metrics types.MetricsManager, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Cache) Get(ctx context.Context, canonicalID string) (Mapping, bool) {
	if canonicalID == "" {
		return Mapping{}, false
	}

	m, ok, err := c.store.Load(ctx, canonicalID)
	if err != nil {
		c.logger.Warn("Mapping store read failed", zap.String("canonical_id", canonicalID), zap.Error(err))
		c.record("get", "error")
		return Mapping{}, false
	}
	if !ok {
		c.record("get", "miss")
		return Mapping{}, false
	}

	if m.expired(c.now(), c.ttl) {
		c.evictExpired(ctx, canonicalID)
		c.record("get", "expired")
		return Mapping{}, false
	}

	c.record("get", "hit")
	return m, true
}

// GetBySecondaryKey finds the record whose source entry matches key by id or
// display name, ignoring case. It scans the whole table.
func (c *Cache) GetBySecondaryKey(ctx context.Context, source, key string) (Mapping, bool) {
	source = utils.NormalizeKey(source)
	if source == "" || key == "" {
		return Mapping{}, false
	}

	now := c.now()
	var (
		found   Mapping
		ok      bool
		expired []string
	)

	err := c.store.Range(ctx, func(m Mapping) bool {
		if m.expired(now, c.ttl) {
			expired = append(expired, m.CanonicalID)
			return true
		}
		if m.matches(source, key) {
			found, ok = m, true
			return false
		}
		return true
	})
	if err != nil {
		c.logger.Warn("Mapping store scan failed",
			zap.String("source", source),
			zap.String("key", key),
			zap.Error(err))
		c.record("secondary", "error")
		return Mapping{}, false
	}

	if len(expired) > 0 {
		c.evictExpired(ctx, expired...)
	}

	if !ok {
		c.record("secondary", "miss")
		return Mapping{}, false
	}

	c.record("secondary", "hit")
	return found, true
}

// Upsert merges partial into the stored record for partial.CanonicalID and
// refreshes LastUpdated. An expired record is replaced rather than merged.
func (c *Cache) Upsert(ctx context.Context, partial Mapping) error {
	if partial.CanonicalID == "" {
		return types.ErrMappingIDEmpty
	}

	normalized := Mapping{
		CanonicalID: partial.CanonicalID,
		Sources:     make(map[string]SourceRef, len(partial.Sources)),
	}
	for name, ref := range partial.Sources {
		if name = utils.NormalizeKey(name); name == "" {
			return types.Errorf(types.ErrMappingSourceUnknown, "empty source name for %s", partial.CanonicalID)
		}
		normalized.Sources[name] = ref
	}

	now := c.now()
	_, err := c.store.Update(ctx, partial.CanonicalID, func(current Mapping, exists bool) Mapping {
		if !exists || current.expired(now, c.ttl) {
			current = Mapping{CanonicalID: partial.CanonicalID}
		}

		next := current.merge(normalized)
		next.LastUpdated = now
		return next
	})
	if err != nil {
		c.logger.Error("Failed to upsert mapping", zap.String("canonical_id", partial.CanonicalID), zap.Error(err))
		c.record("upsert", "error")
		return err
	}

	c.record("upsert", "ok")
	return nil
}

// Purge removes every record older than the TTL and returns how many went.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	now := c.now()

	var expired []string
	err := c.store.Range(ctx, func(m Mapping) bool {
		if m.expired(now, c.ttl) {
			expired = append(expired, m.CanonicalID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	if len(expired) == 0 {
		return 0, nil
	}

	removed, err := c.evictExpired(ctx, expired...)
	if removed > 0 {
		c.metrics.Counter("mapping_purged_total", nil).Add(float64(removed))
	}
	return removed, err
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// HealthCheck reports a failing store as degraded: lookups turn into misses
// and the aggregation layer keeps working without mappings.
func (c *Cache) HealthCheck(ctx context.Context) types.HealthCheck {
	if err := c.store.Ping(ctx); err != nil {
		return health.Degraded(err, nil)
	}
	return health.Healthy("mapping store reachable", map[string]interface{}{"ttl": c.ttl.String()})
}

func (c *Cache) Close() error {
	return c.store.Close()
}

// evictExpired deletes each record that is still expired when the store
// checks it; a record upserted after it was read survives.
func (c *Cache) evictExpired(ctx context.Context, canonicalIDs ...string) (int, error) {
	stillExpired := func(m Mapping) bool {
		return m.expired(c.now(), c.ttl)
	}

	removed := 0
	var errs []error
	for _, id := range canonicalIDs {
		deleted, err := c.store.DeleteIf(ctx, id, stillExpired)
		if err != nil {
			c.logger.Warn("Failed to evict expired mapping", zap.String("canonical_id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if deleted {
			removed++
		}
	}

	return removed, errors.Join(errs...)
}

func (c *Cache) record(operation, result string) {
	c.metrics.Counter("mapping_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()
}
