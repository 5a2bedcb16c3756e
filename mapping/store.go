package mapping

import (
	"context"

	"github.com/saiset-co/kpulse/types"
)

// UpdateFunc computes the record to store from the current one. exists is
// false when there is no record for the id yet.
type UpdateFunc func(current Mapping, exists bool) Mapping

// Store is the backing table for the mapping cache. Update and DeleteIf must
// apply fn atomically per canonical id.
type Store interface {
	Load(ctx context.Context, canonicalID string) (Mapping, bool, error)
	Update(ctx context.Context, canonicalID string, fn UpdateFunc) (Mapping, error)
	// DeleteIf removes the record only if cond holds for its current value.
	DeleteIf(ctx context.Context, canonicalID string, cond func(Mapping) bool) (bool, error)
	Range(ctx context.Context, fn func(m Mapping) bool) error
	Ping(ctx context.Context) error
	Close() error
}

func NewStore(ctx context.Context, config *types.MappingConfig, logger types.Logger) (Store, error) {
	if config == nil || config.Type == "" || config.Type == "memory" {
		return NewMemoryStore(), nil
	}

	switch config.Type {
	case "redis":
		if config.Redis == nil {
			return nil, types.Errorf(types.ErrConfigValidateFailed, "mapping.redis is required for type redis")
		}
		return NewRedisStore(ctx, config.Redis, config.TTL, logger)
	default:
		return nil, types.Errorf(types.ErrMappingStoreUnknown, "type: %s", config.Type)
	}
}
