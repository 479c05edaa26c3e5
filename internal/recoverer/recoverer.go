// Package recoverer implements the lease-recovery sweep (§4.6): deliveries
// whose lease expired without the worker reporting an outcome are returned
// to SCHEDULED, with a synthetic Attempt recorded so the attempt budget is
// debited as if the crash were an ordinary timeout.
package recoverer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/statemachine"
	"github.com/hookrelay/deliverant/internal/store"
	"github.com/hookrelay/deliverant/pkg/logger"
)

// Config tunes the sweep cadence and batch size.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig matches the cadence named in §4.6 ("every 10s").
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, BatchSize: 100}
}

// Recoverer runs the sweep on its own cadence.
type Recoverer struct {
	store  store.Store
	params statemachine.Params
	config Config
	log    logger.Logger
}

func New(s store.Store, params statemachine.Params, config Config, log logger.Logger) *Recoverer {
	return &Recoverer{store: s, params: params, config: config, log: log}
}

// Run blocks, sweeping until ctx is cancelled.
func (r *Recoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass. Exported for tests and manual triggers.
func (r *Recoverer) Sweep(ctx context.Context) int {
	now := time.Now()
	candidates, err := r.store.ClaimExpiredLeases(ctx, now, r.config.BatchSize)
	if err != nil {
		r.log.Error("recoverer: claim expired leases failed", map[string]interface{}{"error": err.Error()})
		return 0
	}

	n := 0
	for _, d := range candidates {
		if r.recoverOne(ctx, d.ID, now) {
			n++
		}
	}
	return n
}

func (r *Recoverer) recoverOne(ctx context.Context, deliveryID string, now time.Time) bool {
	var attempt *domain.Attempt

	err := r.store.WithDeliveryLock(ctx, deliveryID, func(d *domain.Delivery, ep *domain.Endpoint) error {
		if d.Status != domain.StatusInProgress {
			return errAlreadyHandled
		}
		attemptNumber := d.AttemptsCount + 1
		payloadHash := ""
		if ev, err := r.store.GetEvent(ctx, d.TenantID, d.EventID); err == nil {
			payloadHash = ev.PayloadHash
		}
		attempt = &domain.Attempt{
			ID:                 uuid.New().String(),
			TenantID:           d.TenantID,
			DeliveryID:         d.ID,
			AttemptNumber:      attemptNumber,
			StartedAt:          d.UpdatedAt,
			EndedAt:            now,
			LatencyMs:          now.Sub(d.UpdatedAt).Milliseconds(),
			Outcome:            domain.OutcomeRetryableFailure,
			Classification:     domain.ClassificationWorkerCrash,
			ErrorDetail:        "Worker crashed or lease expired",
			RequestPayloadHash: payloadHash,
		}
		if err := statemachine.RecoverLease(d, r.params, now); err != nil {
			return err
		}
		// recover_lease's own transition doesn't touch attempts_count (§4.1
		// table); bump it here so it tracks the synthetic attempt row and
		// the retry budget is debited for the crash, per §4.6.
		d.AttemptsCount = attemptNumber
		return nil
	})
	if err == errAlreadyHandled {
		return false
	}
	if err != nil {
		r.log.Error("recoverer: recover lease failed", map[string]interface{}{"delivery_id": deliveryID, "error": err.Error()})
		return false
	}

	if err := r.store.CreateAttempt(ctx, attempt); err != nil {
		r.log.Error("recoverer: persist synthetic attempt failed", map[string]interface{}{"delivery_id": deliveryID, "error": err.Error()})
	}
	return true
}

var errAlreadyHandled = domain.ErrInvalidState
