package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "pkvs:"

// RedisStore implements Store and Watcher on top of Redis. Every write is
// followed by a PUBLISH on the change channel so other processes sharing the
// same prefix observe it.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
	origin  string
	logger  *zap.Logger
	bus     *Bus

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisStore connects to redisURL and returns a store using prefix
// (defaults to "pkvs:").
func NewRedisStore(redisURL, prefix string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix, logger), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		channel: prefix + "changes",
		origin:  uuid.NewString(),
		logger:  logger,
		bus:     NewBus(),
	}
}

// Origin identifies this store handle in change notifications.
func (s *RedisStore) Origin() string {
	return s.origin
}

func (s *RedisStore) key(k string) string {
	return s.prefix + "kv:" + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	payload, err := json.Marshal(Change{Key: key, Value: value, Origin: s.origin})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(key), value, 0)
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	removed, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	if removed == 0 {
		return nil
	}
	payload, err := json.Marshal(Change{Key: key, Deleted: true, Origin: s.origin})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish removal of %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	base := s.key("")
	pattern := escapeGlob(base+prefix) + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), base))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	return keys, nil
}

// Watch receives changes published by other store handles.
func (s *RedisStore) Watch(fn func(Change)) (cancel func()) {
	return s.bus.Subscribe(fn)
}

// Listen subscribes to the change channel and forwards foreign changes to
// watchers until ctx is cancelled or the store is closed. It returns once the
// subscription is confirmed.
func (s *RedisStore) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.pubsub != nil {
		s.mu.Unlock()
		return nil
	}
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		s.mu.Unlock()
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.pubsub = pubsub
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.logger.Warn("dropping malformed change notification", zap.Error(err))
					continue
				}
				if change.Origin == s.origin {
					continue
				}
				s.bus.Publish(change)
			}
		}
	}()
	return nil
}

// Close stops listening and closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	pubsub, done := s.pubsub, s.done
	s.pubsub = nil
	s.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
		<-done
	}
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
