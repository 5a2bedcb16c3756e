package mapping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/kpulse/types"
	"github.com/saiset-co/kpulse/utils"
)

const (
	defaultKeyPrefix = "kpulse:mapping"
	maxTxAttempts    = 5
	scanBatch        = 100
)

// RedisStore keeps one JSON record per canonical id. Keys carry a TTL
// slightly longer than the mapping TTL so redis drops records nobody purges.
type RedisStore struct {
	client *redis.Client
	logger types.Logger
	prefix string
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, config *types.RedisConfig, ttl time.Duration, logger types.Logger) (*RedisStore, error) {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	return newRedisStore(ctx, client, prefix, ttl, logger)
}

func newRedisStore(ctx context.Context, client *redis.Client, prefix string, ttl time.Duration, logger types.Logger) (*RedisStore, error) {
	s := &RedisStore{
		client: client,
		logger: logger,
		prefix: prefix,
		ttl:    ttl,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	return s, nil
}

func (s *RedisStore) Load(ctx context.Context, canonicalID string) (Mapping, bool, error) {
	data, err := s.client.Get(ctx, s.key(canonicalID)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return Mapping{}, false, nil
		}
		return Mapping{}, false, types.WrapError(err, "failed to get mapping")
	}

	m, err := s.decode(canonicalID, data)
	if err != nil {
		s.drop(ctx, canonicalID)
		return Mapping{}, false, nil
	}

	return m, true, nil
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// writer touched the key in between.
func (s *RedisStore) Update(ctx context.Context, canonicalID string, fn UpdateFunc) (Mapping, error) {
	key := s.key(canonicalID)
	var next Mapping

	txf := func(tx *redis.Tx) error {
		current := Mapping{}
		exists := false

		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if m, decodeErr := s.decode(canonicalID, data); decodeErr == nil {
				current, exists = m, true
			}
		case !types.IsError(err, redis.Nil):
			return err
		}

		next = fn(current, exists)

		encoded, err := utils.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.keyTTL())
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if types.IsError(err, redis.TxFailedErr) {
			s.logger.Debug("Mapping transaction conflict, retrying",
				zap.String("canonical_id", canonicalID),
				zap.Int("attempt", attempt+1))
			continue
		}
		return Mapping{}, types.WrapError(err, "failed to update mapping")
	}

	return Mapping{}, types.Errorf(types.ErrMappingConflict, "canonical id %s after %d attempts", canonicalID, maxTxAttempts)
}

// DeleteIf checks cond and deletes under WATCH, so a write landing between
// the read and the delete aborts the transaction and cond runs again on the
// new value. Undecodable records are always deleted.
func (s *RedisStore) DeleteIf(ctx context.Context, canonicalID string, cond func(Mapping) bool) (bool, error) {
	key := s.key(canonicalID)
	var deleted bool

	txf := func(tx *redis.Tx) error {
		deleted = false

		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if types.IsError(err, redis.Nil) {
				return nil
			}
			return err
		}

		if m, decodeErr := s.decode(canonicalID, data); decodeErr == nil && !cond(m) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return deleted, nil
		}
		if types.IsError(err, redis.TxFailedErr) {
			continue
		}
		return false, types.WrapError(err, "failed to delete mapping")
	}

	return false, types.Errorf(types.ErrMappingConflict, "canonical id %s after %d attempts", canonicalID, maxTxAttempts)
}

func (s *RedisStore) Range(ctx context.Context, fn func(m Mapping) bool) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", scanBatch).Iterator()

	batch := make([]string, 0, scanBatch)
	flush := func() (bool, error) {
		if len(batch) == 0 {
			return true, nil
		}
		defer func() { batch = batch[:0] }()

		values, err := s.client.MGet(ctx, batch...).Result()
		if err != nil {
			return false, types.WrapError(err, "failed to read mappings")
		}

		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			id := strings.TrimPrefix(batch[i], s.prefix+":")
			m, err := s.decode(id, []byte(raw))
			if err != nil {
				s.drop(ctx, id)
				continue
			}
			if !fn(m) {
				return false, nil
			}
		}
		return true, nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) < scanBatch {
			continue
		}
		if more, err := flush(); err != nil || !more {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return types.WrapError(err, "failed to scan mappings")
	}

	_, err := flush()
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}
	return nil
}

func (s *RedisStore) key(canonicalID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, canonicalID)
}

func (s *RedisStore) keyTTL() time.Duration {
	if s.ttl <= 0 {
		return 0
	}
	return s.ttl + time.Hour
}

func (s *RedisStore) decode(canonicalID string, data []byte) (Mapping, error) {
	var m Mapping
	if err := utils.Unmarshal(data, &m); err != nil {
		s.logger.Error("Failed to decode mapping", zap.String("canonical_id", canonicalID), zap.Error(err))
		return Mapping{}, err
	}
	return m, nil
}

// drop removes an undecodable record unless a writer replaced it meanwhile.
func (s *RedisStore) drop(ctx context.Context, canonicalID string) {
	if _, err := s.DeleteIf(ctx, canonicalID, func(Mapping) bool { return false }); err != nil {
		s.logger.Warn("Failed to drop undecodable mapping", zap.String("canonical_id", canonicalID), zap.Error(err))
	}
}
