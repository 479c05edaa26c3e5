// Package killswitch provides the process-wide advisory stop flag (§4.7,
// §9). It is modeled as an external boolean source so the scheduler and
// worker stay pure with respect to it; the Redis-backed implementation
// falls back to a cached last-known value on read failure, the same
// pattern the teacher's service-discovery client uses to survive a Redis
// outage without taking the whole pipeline down with it.
package killswitch

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/hookrelay/deliverant/pkg/logger"
	"github.com/hookrelay/deliverant/pkg/resilience"
)

// Key is the shared-cache key the switch is stored under.
const Key = "deliverant:kill_switch"

const activeValue = "1"

// Source is the boolean source contract consumed by the scheduler and worker.
type Source interface {
	IsActive(ctx context.Context) bool
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
}

// RedisSource reads the switch from Redis, guarded by a circuit breaker,
// and serves the last-known value while the breaker is open or the read
// fails, rather than failing closed (which would halt all delivery) or
// failing open silently forever.
type RedisSource struct {
	client *redis.Client
	cb     *resilience.CircuitBreaker
	retry  resilience.RetryConfig
	log    logger.Logger

	mu        sync.RWMutex
	lastKnown bool
}

func NewRedisSource(client *redis.Client, log logger.Logger) *RedisSource {
	return &RedisSource{
		client: client,
		cb:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		retry:  resilience.DefaultRetryConfig(),
		log:    log,
	}
}

// IsActive never returns an error: a read failure degrades to the last
// known value, defaulting to false (not active) if none has ever been
// observed, so a new process with a broken cache connection defaults to
// delivering rather than freezing.
func (s *RedisSource) IsActive(ctx context.Context) bool {
	var val string
	err := resilience.RetryWithCircuitBreaker(ctx, s.retry, s.cb, func() error {
		v, err := s.client.Get(ctx, Key).Result()
		if err == redis.Nil {
			val = ""
			return nil
		}
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		s.log.Warn("kill switch read failed, using last known value", map[string]interface{}{"error": err.Error()})
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.lastKnown
	}

	active := val == activeValue
	s.mu.Lock()
	s.lastKnown = active
	s.mu.Unlock()
	return active
}

func (s *RedisSource) Activate(ctx context.Context) error {
	return s.client.Set(ctx, Key, activeValue, 0).Err()
}

func (s *RedisSource) Deactivate(ctx context.Context) error {
	return s.client.Del(ctx, Key).Err()
}

// StaticSource is a fixed-value Source, useful for tests and for embedding
// in single-process deployments that manage the flag in-memory.
type StaticSource struct {
	mu     sync.RWMutex
	active bool
}

func NewStaticSource(active bool) *StaticSource {
	return &StaticSource{active: active}
}

func (s *StaticSource) IsActive(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *StaticSource) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	return nil
}

func (s *StaticSource) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return nil
}

var _ Source = (*RedisSource)(nil)
var _ Source = (*StaticSource)(nil)
