// Package spike deduplicates concurrent lookups of the same external resource.
// Callers asking for a key that is already being fetched wait for that fetch instead of starting a new one,
// successful results are cached for a short time.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type call[T any] struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int
	v       T
	err     error
}

type Manager[T any] struct {
	fetch func(ctx context.Context, k string) (T, error)
	cache *gocache.Cache
	ttl   time.Duration

	mu       sync.Mutex
	inFlight map[string]*call[T]
}

// NewManager creates a Manager, errors are never cached.
// Expired values are purged when a fetch completes, there is no cleanup goroutine.
func NewManager[T any](fetch func(ctx context.Context, k string) (T, error), cacheTime time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:    fetch,
		cache:    gocache.New(cacheTime, 0),
		ttl:      cacheTime,
		inFlight: make(map[string]*call[T]),
	}
}

// GetResult returns the cached value for k or fetches it.
// The fetch does not run with the context of any single caller: it is cancelled only when every
// caller waiting for it has given up, so a cancelled caller never fails the others.
func (m *Manager[T]) GetResult(ctx context.Context, k string) (T, error) {
	if v, ok := m.cache.Get(k); ok {
		return v.(T), nil //nolint:forcetypeassert
	}

	m.mu.Lock()
	if v, ok := m.cache.Get(k); ok {
		m.mu.Unlock()
		return v.(T), nil //nolint:forcetypeassert
	}
	c, ok := m.inFlight[k]
	if !ok {
		fetchCtx, cancel := context.WithCancel(context.Background())
		c = &call[T]{done: make(chan struct{}), cancel: cancel}
		m.inFlight[k] = c
		go m.run(fetchCtx, k, c)
	}
	c.waiters++
	m.mu.Unlock()

	select {
	case <-c.done:
		return c.v, c.err
	case <-ctx.Done():
		m.leave(k, c)
		var empty T
		return empty, ctx.Err()
	}
}

func (m *Manager[T]) run(ctx context.Context, k string, c *call[T]) {
	defer c.cancel()
	v, err := m.fetch(ctx, k)

	m.mu.Lock()
	if err == nil {
		m.cache.DeleteExpired()
		m.cache.Set(k, v, m.ttl)
	}
	if m.inFlight[k] == c {
		delete(m.inFlight, k)
	}
	c.v, c.err = v, err
	m.mu.Unlock()
	close(c.done)
}

func (m *Manager[T]) leave(k string, c *call[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	c.cancel()
	if m.inFlight[k] == c {
		delete(m.inFlight, k)
	}
}

// Forget drops a cached value
func (m *Manager[T]) Forget(k string) {
	m.cache.Delete(k)
}
