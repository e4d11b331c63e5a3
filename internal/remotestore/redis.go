package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultRedisPrefix = "couplesync:"
	maxWatchAttempts   = 5
)

// RedisStore keeps every collection in a hash and announces changes on a
// per-collection pub/sub channel. Record keys are hash fields, record values
// are JSON strings.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on top of an existing client
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) dataKey(path string) string {
	return s.prefix + "data:" + path
}

func (s *RedisStore) channel(path string) string {
	return s.prefix + "changes:" + path
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "collections"
}

// Now returns the Redis server clock in milliseconds
func (s *RedisStore) Now(ctx context.Context) (int64, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read server time: %w", err)
	}
	return t.UnixMilli(), nil
}

// Read returns the collection at path
func (s *RedisStore) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path, 1); err != nil {
		return Snapshot{}, err
	}
	values, err := s.client.HGetAll(ctx, s.dataKey(path)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	entries := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		entries[k] = json.RawMessage(v)
	}
	return Snapshot{Path: path, Entries: entries}, nil
}

// Write replaces the record at path
func (s *RedisStore) Write(ctx context.Context, path string, value any) error {
	if err := ValidatePath(path, 2); err != nil {
		return err
	}
	now, err := s.Now(ctx)
	if err != nil {
		return err
	}
	raw, err := encodeValue(value, now)
	if err != nil {
		return err
	}
	parent, key := Split(path)
	return s.put(ctx, parent, key, raw)
}

// Append stores value under a new time ordered key derived from the server clock
func (s *RedisStore) Append(ctx context.Context, path string, value any) (string, error) {
	if err := ValidatePath(path, 1); err != nil {
		return "", err
	}
	now, err := s.Now(ctx)
	if err != nil {
		return "", err
	}
	raw, err := encodeValue(value, now)
	if err != nil {
		return "", err
	}
	id := NewID(now)
	if err := s.put(ctx, path, id, raw); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) put(ctx context.Context, collection, key string, raw json.RawMessage) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(collection), key, string(raw))
		pipe.SAdd(ctx, s.indexKey(), collection)
		pipe.Publish(ctx, s.channel(collection), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, key, err)
	}
	return nil
}

// Update merges fields into the existing record using an optimistic transaction
func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ValidatePath(path, 2); err != nil {
		return err
	}
	if err := validateFields(fields); err != nil {
		return err
	}
	now, err := s.Now(ctx)
	if err != nil {
		return err
	}
	parent, key := Split(path)
	dataKey := s.dataKey(parent)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, dataKey, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		if err != nil {
			return err
		}
		patched, err := patchRecord(json.RawMessage(current), fields, now)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dataKey, key, string(patched))
			pipe.Publish(ctx, s.channel(parent), key)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchAttempts; i++ {
		err = s.client.Watch(ctx, txf, dataKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update %s: %w", path, err)
	}
	return nil
}

// Remove deletes the record at path, or every collection at or below path
func (s *RedisStore) Remove(ctx context.Context, path string) error {
	if err := ValidatePath(path, 1); err != nil {
		return err
	}
	collections, err := s.Collections(ctx, path)
	if err != nil {
		return err
	}
	parent, key := Split(path)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, collection := range collections {
			pipe.Del(ctx, s.dataKey(collection))
			pipe.SRem(ctx, s.indexKey(), collection)
			pipe.Publish(ctx, s.channel(collection), "")
		}
		if parent != "" {
			pipe.HDel(ctx, s.dataKey(parent), key)
			pipe.Publish(ctx, s.channel(parent), key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Collections lists the known collection paths at or below root
func (s *RedisStore) Collections(ctx context.Context, root string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var paths []string
	for _, member := range members {
		if root == "" || isUnder(member, root) {
			paths = append(paths, member)
		}
	}
	return paths, nil
}

// Subscribe listens for change announcements on path and re-reads the
// collection for each of them. Snapshots for one subscription are delivered
// from a single goroutine, so they arrive in order.
func (s *RedisStore) Subscribe(ctx context.Context, path string, onData func(Snapshot), onError func(error)) (Subscription, error) {
	if err := ValidatePath(path, 1); err != nil {
		return nil, err
	}
	pubsub := s.client.Subscribe(ctx, s.channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", path, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{
		store:   s,
		path:    path,
		pubsub:  pubsub,
		cancel:  cancel,
		onData:  onData,
		onError: onError,
	}
	go sub.run(runCtx)
	return sub, nil
}

type redisSub struct {
	store   *RedisStore
	path    string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	onData  func(Snapshot)
	onError func(error)
	closed  atomic.Bool
	once    sync.Once
}

func (s *redisSub) run(ctx context.Context) {
	s.refresh(ctx)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			s.refresh(ctx)
		}
	}
}

func (s *redisSub) refresh(ctx context.Context) {
	snap, err := s.store.Read(ctx, s.path)
	if s.closed.Load() {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to refresh subscription")
		if s.onError != nil {
			s.onError(err)
		}
		return
	}
	s.onData(snap)
}

func (s *redisSub) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if err := s.pubsub.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
			log.Warn().Err(err).Str("path", s.path).Msg("Failed to close subscription")
		}
	})
}

var _ Store = (*RedisStore)(nil)
