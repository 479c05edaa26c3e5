// Package scheduler implements the periodic tick that promotes PENDING
// deliveries to SCHEDULED and dispatches due SCHEDULED deliveries to
// workers (§4.4).
package scheduler

import (
	"context"
	"time"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/killswitch"
	"github.com/hookrelay/deliverant/internal/queue"
	"github.com/hookrelay/deliverant/internal/statemachine"
	"github.com/hookrelay/deliverant/internal/store"
	"github.com/hookrelay/deliverant/pkg/logger"
)


// Config tunes batch sizes and the per-endpoint concurrency cap.
type Config struct {
	TickInterval          time.Duration
	BatchSize             int
	MaxEndpointConcurrency int
}

// DefaultConfig matches the tick cadence and batch size named in §4.4
// ("every 1s", "up to N") and the MAX_ENDPOINT_CONCURRENCY default (§6).
func DefaultConfig() Config {
	return Config{
		TickInterval:           time.Second,
		BatchSize:              100,
		MaxEndpointConcurrency: 10,
	}
}

// Scheduler runs the Phase A / Phase B tick on its own cadence.
type Scheduler struct {
	store      store.Store
	killSwitch killswitch.Source
	queue      *queue.Queue
	config     Config
	log        logger.Logger
}

func New(s store.Store, ks killswitch.Source, q *queue.Queue, config Config, log logger.Logger) *Scheduler {
	return &Scheduler{store: s, killSwitch: ks, queue: q, config: config, log: log}
}

// Run blocks, ticking until ctx is cancelled.
func (sch *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sch.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sch.Tick(ctx)
		}
	}
}

// Tick runs one Phase A + Phase B pass. Exported so tests and an
// operator-triggered manual tick can call it directly.
func (sch *Scheduler) Tick(ctx context.Context) {
	if sch.killSwitch.IsActive(ctx) {
		sch.log.Debug("scheduler tick skipped, kill switch active", nil)
		return
	}

	now := time.Now()
	promoted := sch.promotePending(ctx, now)
	dispatched := sch.dispatchDue(ctx, now)
	if promoted > 0 || dispatched > 0 {
		sch.log.Debug("scheduler tick", map[string]interface{}{"promoted": promoted, "dispatched": dispatched})
	}
}

// promotePending is Phase A: PENDING -> SCHEDULED for deliveries whose
// endpoint is ACTIVE. PAUSED endpoints' deliveries are simply not
// returned by ClaimPendingForSchedule and stay PENDING.
func (sch *Scheduler) promotePending(ctx context.Context, now time.Time) int {
	candidates, err := sch.store.ClaimPendingForSchedule(ctx, sch.config.BatchSize)
	if err != nil {
		sch.log.Error("claim pending failed", map[string]interface{}{"error": err.Error()})
		return 0
	}

	n := 0
	for _, d := range candidates {
		if err := statemachine.Schedule(d, now); err != nil {
			continue
		}
		if err := sch.store.Save(ctx, d); err != nil {
			sch.log.Error("save scheduled delivery failed", map[string]interface{}{"delivery_id": d.ID, "error": err.Error()})
			continue
		}
		n++
	}
	return n
}

// dispatchDue is Phase B: for every due SCHEDULED delivery, skip paused
// endpoints, apply the advisory per-endpoint concurrency cap (racy by
// design — see §9 open question (b): the real cap is enforced later by
// acquire_lease failing when a concurrent dispatch already won), then
// enqueue the delivery id for worker pickup.
func (sch *Scheduler) dispatchDue(ctx context.Context, now time.Time) int {
	candidates, err := sch.store.ClaimDueForDispatch(ctx, now, sch.config.BatchSize)
	if err != nil {
		sch.log.Error("claim due failed", map[string]interface{}{"error": err.Error()})
		return 0
	}

	inProgress := make(map[string]int)
	n := 0
	for _, d := range candidates {
		endpoint, err := sch.store.GetEndpoint(ctx, d.TenantID, d.EndpointID)
		if err != nil {
			sch.log.Error("get endpoint failed", map[string]interface{}{"endpoint_id": d.EndpointID, "error": err.Error()})
			continue
		}
		if endpoint.Status == domain.EndpointPaused {
			continue
		}

		count, ok := inProgress[d.EndpointID]
		if !ok {
			c, err := sch.store.CountInProgress(ctx, d.EndpointID)
			if err != nil {
				sch.log.Error("count in progress failed", map[string]interface{}{"endpoint_id": d.EndpointID, "error": err.Error()})
				continue
			}
			count = c
		}
		if count >= sch.config.MaxEndpointConcurrency {
			inProgress[d.EndpointID] = count
			continue
		}

		if !sch.queue.TryEnqueue(d.ID) {
			sch.log.Warn("dispatch queue full, delivery stays SCHEDULED", map[string]interface{}{"delivery_id": d.ID})
			continue
		}
		inProgress[d.EndpointID] = count + 1
		n++
	}
	return n
}
