package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"communityhub/internal/metrics"
	"communityhub/internal/repository"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// namespace is one entity kind: a volatile map in front of the persistent
// store, with a breaker guarding the store.
type namespace[V any] struct {
	kind    Kind
	store   repository.CacheStore
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Collector

	// copyValue isolates cached values from callers; nil means V is a value type
	copyValue func(V) V

	mu     sync.RWMutex
	values map[string]V
}

func newNamespace[V any](kind Kind, store repository.CacheStore, opts Options) *namespace[V] {
	n := &namespace[V]{
		kind:    kind,
		store:   store,
		logger:  opts.Logger.With(zap.String("kind", string(kind))),
		metrics: opts.Metrics,
		values:  make(map[string]V),
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(kind),
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, repository.ErrNotFound) || isCallerAbort(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.metrics.BreakerState(name, int(to))
			if to == gobreaker.StateOpen {
				n.logger.Warn("persistent cache degraded to volatile-only")
			} else {
				n.logger.Info("persistent cache breaker state changed",
					zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	})
	return n
}

// isCallerAbort reports errors caused by the caller's context rather than
// the store
func isCallerAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (n *namespace[V]) clone(v V) V {
	if n.copyValue == nil {
		return v
	}
	return n.copyValue(v)
}

// persistent reports whether the store may be consulted
func (n *namespace[V]) persistent() bool {
	return n.store != nil && n.breaker.State() != gobreaker.StateOpen
}

// exec runs op through the breaker. Open-state rejections are not counted as
// store errors.
func (n *namespace[V]) exec(operation string, op func() error) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if err == nil || errors.Is(err, repository.ErrNotFound) || isCallerAbort(err) {
		return err
	}
	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		n.metrics.CacheStoreError(string(n.kind), operation)
		n.logger.Debug("persistent cache operation failed", zap.String("operation", operation), zap.Error(err))
	}
	return err
}

func (n *namespace[V]) get(ctx context.Context, key string) (V, bool) {
	n.mu.RLock()
	v, ok := n.values[key]
	n.mu.RUnlock()
	if ok {
		n.metrics.CacheHit(string(n.kind), "volatile")
		return n.clone(v), true
	}

	var zero V
	if !n.persistent() {
		n.metrics.CacheMiss(string(n.kind))
		return zero, false
	}

	var raw []byte
	err := n.exec("get", func() error {
		var err error
		raw, err = n.store.Get(ctx, string(n.kind), key)
		return err
	})
	if err != nil {
		n.metrics.CacheMiss(string(n.kind))
		return zero, false
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		n.logger.Debug("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		n.metrics.CacheMiss(string(n.kind))
		return zero, false
	}

	n.metrics.CacheHit(string(n.kind), "persistent")
	n.promote(key, v)
	return n.clone(v), true
}

// promote stores v in the volatile layer unless a newer write got there first
func (n *namespace[V]) promote(key string, v V) {
	n.mu.Lock()
	if _, exists := n.values[key]; !exists {
		n.values[key] = n.clone(v)
	}
	n.mu.Unlock()
}

func (n *namespace[V]) put(ctx context.Context, key string, v V) {
	n.mu.Lock()
	n.values[key] = n.clone(v)
	n.mu.Unlock()

	if !n.persistent() {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		n.logger.Warn("failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	_ = n.exec("put", func() error {
		return n.store.Put(ctx, string(n.kind), key, raw)
	})
}

// scan visits the volatile entries, then persistent entries not already seen.
// Persistent entries are promoted.
func (n *namespace[V]) scan(ctx context.Context, fn func(key string, v V) bool) {
	n.mu.RLock()
	local := make(map[string]V, len(n.values))
	for k, v := range n.values {
		local[k] = v
	}
	n.mu.RUnlock()

	for k, v := range local {
		if !fn(k, n.clone(v)) {
			return
		}
	}

	if !n.persistent() {
		return
	}
	_ = n.exec("scan", func() error {
		return n.store.Scan(ctx, string(n.kind), func(e repository.Entry) bool {
			if _, seen := local[e.Key]; seen {
				return true
			}
			var v V
			if err := json.Unmarshal(e.Value, &v); err != nil {
				n.logger.Debug("dropping undecodable cache entry", zap.String("key", e.Key), zap.Error(err))
				return true
			}
			n.promote(e.Key, v)
			return fn(e.Key, n.clone(v))
		})
	})
}

func (n *namespace[V]) clear(ctx context.Context) {
	n.mu.Lock()
	n.values = make(map[string]V)
	n.mu.Unlock()

	if n.store == nil {
		return
	}
	// bypasses the breaker so entries cannot resurface once the store recovers
	if err := n.store.Clear(ctx, string(n.kind)); err != nil {
		n.metrics.CacheStoreError(string(n.kind), "clear")
		n.logger.Warn("failed to clear persistent cache", zap.Error(err))
	}
}

func (n *namespace[V]) stats(ctx context.Context) KindStats {
	n.mu.RLock()
	s := KindStats{Volatile: len(n.values), Persistent: -1}
	n.mu.RUnlock()

	s.Breaker = n.breaker.State().String()
	s.Degraded = n.store == nil || n.breaker.State() == gobreaker.StateOpen
	if n.persistent() {
		if count, err := n.store.Count(ctx, string(n.kind)); err == nil {
			s.Persistent = count
		}
	}
	return s
}
