package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noxguard/warden/pkg/domain"
)

const redisKeyPrefix = "warden:quarantine:"

// RedisStore is a Redis-backed Store. Quarantine entries written here
// outlive the process, so a quarantined plugin stays denied across
// restarts.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, db int, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Add(ctx context.Context, rec domain.QuarantineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal quarantine record: %w", err)
	}
	// No TTL: quarantine is sticky until an explicit release.
	if err := s.client.Set(ctx, redisKeyPrefix+string(rec.PluginID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store quarantine record: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, id domain.PluginID) error {
	if err := s.client.Del(ctx, redisKeyPrefix+string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove quarantine record: %w", err)
	}
	return nil
}

func (s *RedisStore) Contains(ctx context.Context, id domain.PluginID) (bool, error) {
	n, err := s.client.Exists(ctx, redisKeyPrefix+string(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check quarantine record: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context) ([]domain.QuarantineRecord, error) {
	var records []domain.QuarantineRecord
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()

	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to get quarantine record %s: %w", iter.Val(), err)
		}

		var rec domain.QuarantineRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan quarantine records: %w", err)
	}
	return records, nil
}
