package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/killswitch"
	"github.com/hookrelay/deliverant/internal/queue"
	"github.com/hookrelay/deliverant/internal/store/memstore"
	"github.com/hookrelay/deliverant/pkg/logger"
)

func newTestScheduler(cfg Config) (*Scheduler, *memstore.MemStore, *queue.Queue) {
	s := memstore.New()
	q := queue.New(100)
	sch := New(s, killswitch.NewStaticSource(false), q, cfg, logger.NewDefaultLogger())
	return sch, s, q
}

func TestTick_PromotesPendingToScheduled(t *testing.T) {
	sch, s, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()
	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", Status: domain.EndpointActive})
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "d1", TenantID: "t1", EndpointID: "e1", Status: domain.StatusPending}))

	sch.Tick(ctx)

	d, err := s.GetDelivery(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, d.Status)
}

func TestTick_PausedEndpointKeepsDeliveryPending(t *testing.T) {
	sch, s, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()
	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", Status: domain.EndpointPaused})
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "d1", TenantID: "t1", EndpointID: "e1", Status: domain.StatusPending}))

	sch.Tick(ctx)

	d, err := s.GetDelivery(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, d.Status)
}

func TestTick_DispatchesDueDeliveryToQueue(t *testing.T) {
	sch, s, q := newTestScheduler(DefaultConfig())
	ctx := context.Background()
	now := time.Now()
	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", Status: domain.EndpointActive})
	past := now.Add(-time.Second)
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "d1", TenantID: "t1", EndpointID: "e1", Status: domain.StatusScheduled, NextAttemptAt: &past}))

	sch.Tick(ctx)

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d1", id)
}

func TestTick_SkipsPausedEndpointDispatch(t *testing.T) {
	sch, s, q := newTestScheduler(DefaultConfig())
	ctx := context.Background()
	now := time.Now()
	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", Status: domain.EndpointPaused})
	past := now.Add(-time.Second)
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "d1", TenantID: "t1", EndpointID: "e1", Status: domain.StatusScheduled, NextAttemptAt: &past}))

	sch.Tick(ctx)
	assert.Equal(t, 0, q.Len())
}

func TestTick_SkipsNotYetDueDelivery(t *testing.T) {
	sch, s, q := newTestScheduler(DefaultConfig())
	ctx := context.Background()
	now := time.Now()
	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", Status: domain.EndpointActive})
	future := now.Add(time.Hour)
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "d1", TenantID: "t1", EndpointID: "e1", Status: domain.StatusScheduled, NextAttemptAt: &future}))

	sch.Tick(ctx)
	assert.Equal(t, 0, q.Len())
}

func TestTick_EnforcesConcurrencyCapPerEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEndpointConcurrency = 1
	sch, s, q := newTestScheduler(cfg)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Second)

	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", Status: domain.EndpointActive})
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "already-in-flight", TenantID: "t1", EndpointID: "e1", Status: domain.StatusInProgress}))
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "d1", TenantID: "t1", EndpointID: "e1", Status: domain.StatusScheduled, NextAttemptAt: &past}))

	sch.Tick(ctx)
	assert.Equal(t, 0, q.Len(), "endpoint already at its concurrency cap must not receive a new dispatch")
}

func TestTick_SkippedEntirelyWhenKillSwitchActive(t *testing.T) {
	s := memstore.New()
	q := queue.New(100)
	ks := killswitch.NewStaticSource(true)
	sch := New(s, ks, q, DefaultConfig(), logger.NewDefaultLogger())
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Second)

	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", Status: domain.EndpointActive})
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "d1", TenantID: "t1", EndpointID: "e1", Status: domain.StatusScheduled, NextAttemptAt: &past}))
	require.NoError(t, s.CreateDelivery(ctx, &domain.Delivery{ID: "d2", TenantID: "t1", EndpointID: "e1", Status: domain.StatusPending}))

	sch.Tick(ctx)

	assert.Equal(t, 0, q.Len())
	d, err := s.GetDelivery(ctx, "t1", "d2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, d.Status)
}
