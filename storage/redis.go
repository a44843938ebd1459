package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/txflow-engine/types"
)

const (
	flowPrefix     = "txflow:flow:"
	runPrefix      = "txflow:run:"
	flowRunsPrefix = "txflow:flowruns:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Run snapshots are JSON values; each flow keeps a set of its run IDs.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func runKey(runID uint64) string {
	return runPrefix + strconv.FormatUint(runID, 10)
}

// SaveFlow saves a flow document to Redis.
func (s *RedisStorage) SaveFlow(ctx context.Context, flowID string, doc []byte) error {
	return withContextError(ctx, func() error {
		if err := s.client.Set(ctx, flowPrefix+flowID, doc, 0).Err(); err != nil {
			return fmt.Errorf("failed to set flow %s in Redis: %w", flowID, err)
		}
		return nil
	})
}

// GetFlow retrieves a flow document from Redis.
func (s *RedisStorage) GetFlow(ctx context.Context, flowID string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		doc, err := s.client.Get(ctx, flowPrefix+flowID).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: id=%s", ErrFlowNotFound, flowID)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get flow %s from Redis: %w", flowID, err)
		}
		return doc, nil
	})
}

// SaveRun saves a run snapshot and indexes it under its flow.
func (s *RedisStorage) SaveRun(ctx context.Context, rec types.RunRecord) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal run %d: %w", rec.RunID, err)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, runKey(rec.RunID), data, 0)
		pipe.SAdd(ctx, flowRunsPrefix+rec.FlowID, rec.RunID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save run %d in Redis: %w", rec.RunID, err)
		}
		return nil
	})
}

// GetRun retrieves a run snapshot from Redis.
func (s *RedisStorage) GetRun(ctx context.Context, runID uint64) (types.RunRecord, error) {
	return withContext(ctx, func() (types.RunRecord, error) {
		data, err := s.client.Get(ctx, runKey(runID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.RunRecord{}, fmt.Errorf("%w: id=%d", ErrRunNotFound, runID)
		} else if err != nil {
			return types.RunRecord{}, fmt.Errorf("failed to get run %d from Redis: %w", runID, err)
		}
		var rec types.RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return types.RunRecord{}, fmt.Errorf("failed to unmarshal run %d: %w", runID, err)
		}
		return rec, nil
	})
}

// ListRuns returns the runs of a flow ordered by creation time. Index entries
// whose snapshot is gone are skipped.
func (s *RedisStorage) ListRuns(ctx context.Context, flowID string) ([]types.RunRecord, error) {
	return withContext(ctx, func() ([]types.RunRecord, error) {
		ids, err := s.client.SMembers(ctx, flowRunsPrefix+flowID).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list runs of %s: %w", flowID, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = runPrefix + id
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get runs of %s: %w", flowID, err)
		}

		out := make([]types.RunRecord, 0, len(values))
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var rec types.RunRecord
			if err := json.Unmarshal([]byte(str), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			out = append(out, rec)
		}
		sortRuns(out)
		return out, nil
	})
}

// ClearCompleted removes completed or failed runs from Redis.
func (s *RedisStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		iter := s.client.Scan(ctx, 0, runPrefix+"*", 100).Iterator()
		pipe := s.client.Pipeline()
		queued := 0
		for iter.Next(ctx) {
			key := iter.Val()
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %w", key, err)
			}

			var rec types.RunRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if isFinished(rec) {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, flowRunsPrefix+rec.FlowID, rec.RunID)
				queued++
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan run keys: %w", err)
		}
		if queued == 0 {
			return nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		log.Debugf("Cleared %d finished run(s) from Redis", queued)
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
