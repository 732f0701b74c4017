package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	rediscommon "github.com/lyzr/runloop/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ResultStore persists results across restarts. The Redis wrapper satisfies
// it; tests use the in-memory store below.
type ResultStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error)
}

// WorkFunc produces the result for a key
type WorkFunc func(ctx context.Context) (map[string]any, error)

type call struct {
	done   chan struct{}
	result map[string]any
	err    error
}

// Coordinator dedups in-flight work by key and persists results for replays.
// Concurrent callers for the same key join the same in-flight call; callers
// arriving after completion read the persisted result.
type Coordinator struct {
	store    ResultStore
	ttl      time.Duration
	logger   Logger
	mu       sync.Mutex
	inflight map[string]*call
}

// New creates a coordinator. ttl bounds how long persisted results live.
func New(store ResultStore, ttl time.Duration, logger Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		inflight: make(map[string]*call),
	}
}

// Do returns the persisted result for key if one exists, otherwise runs fn
// exactly once across concurrent callers and persists its result.
func (c *Coordinator) Do(ctx context.Context, key string, fn WorkFunc) (map[string]any, error) {
	storeKey := "idem:" + key

	if cached, found, err := c.store.Get(ctx, storeKey); err == nil && found {
		var result map[string]any
		if err := json.Unmarshal([]byte(cached), &result); err != nil {
			return nil, fmt.Errorf("failed to decode persisted result for %s: %w", key, err)
		}
		c.logger.Debug("idempotency hit", "key", key)
		return result, nil
	}

	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.result, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Double-check the store under the critical section so a caller that
	// raced a just-finished call still sees its result.
	if cached, found, err := c.store.Get(ctx, storeKey); err == nil && found {
		c.mu.Unlock()
		var result map[string]any
		if err := json.Unmarshal([]byte(cached), &result); err != nil {
			return nil, fmt.Errorf("failed to decode persisted result for %s: %w", key, err)
		}
		return result, nil
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.result, cl.err = fn(ctx)
	close(cl.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	if cl.err == nil {
		encoded, err := json.Marshal(cl.result)
		if err != nil {
			c.logger.Warn("failed to encode idempotency result", "key", key, "error", err)
			return cl.result, nil
		}
		if _, err := c.store.SetNX(ctx, storeKey, string(encoded), c.ttl); err != nil {
			c.logger.Warn("failed to persist idempotency result", "key", key, "error", err)
		}
	}

	return cl.result, cl.err
}

// MemoryStore is an in-memory ResultStore for tests and single-process use
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get retrieves a value
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.data[key]
	return val, ok, nil
}

// SetNX stores a value if the key is absent
func (s *MemoryStore) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = value
	return true, nil
}

// Ensure the Redis wrapper satisfies ResultStore
var _ ResultStore = (*rediscommon.Client)(nil)
