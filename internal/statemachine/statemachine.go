// Package statemachine implements every Delivery status transition (§4).
// Each function takes the current Delivery and mutates it in place; callers
// are responsible for persisting the result inside the same row lock that
// protected the read (store.Store implementations do this via
// SKIP LOCKED / SELECT ... FOR UPDATE semantics).
package statemachine

import (
	"fmt"
	"time"

	"github.com/hookrelay/deliverant/internal/backoff"
	"github.com/hookrelay/deliverant/internal/domain"
)

// Params bundles the tunables that govern transition behavior. All four
// are configurable (internal/config) and default to the values below.
type Params struct {
	MaxAttempts        int
	MaxDeliveryTTL     time.Duration
	LeaseDuration      time.Duration
	LeaseRecoveryDelay time.Duration
}

// DefaultParams mirrors the defaults named in the delivery pipeline's
// operational tuning table: MAX_ATTEMPTS=12, MAX_DELIVERY_TTL_HOURS=24,
// LEASE_DURATION_SECONDS=60, LEASE_RECOVERY_DELAY_SECONDS=30.
func DefaultParams() Params {
	return Params{
		MaxAttempts:        12,
		MaxDeliveryTTL:     24 * time.Hour,
		LeaseDuration:      60 * time.Second,
		LeaseRecoveryDelay: 30 * time.Second,
	}
}

// Schedule transitions PENDING -> SCHEDULED, setting next_attempt_at to now
// and first_scheduled_at if unset.
func Schedule(d *domain.Delivery, now time.Time) error {
	if d.Status != domain.StatusPending {
		return &domain.TransitionError{Op: "schedule", ID: d.ID, From: d.Status}
	}
	d.Status = domain.StatusScheduled
	d.NextAttemptAt = &now
	if d.FirstScheduledAt == nil {
		d.FirstScheduledAt = &now
	}
	d.UpdatedAt = now
	return nil
}

// AcquireLease transitions SCHEDULED -> IN_PROGRESS. The endpoint must be
// ACTIVE; a paused endpoint's deliveries stay SCHEDULED until resumed.
func AcquireLease(d *domain.Delivery, endpoint *domain.Endpoint, leaseID string, p Params, now time.Time) error {
	if d.Status != domain.StatusScheduled {
		return &domain.TransitionError{Op: "acquire_lease", ID: d.ID, From: d.Status}
	}
	if endpoint.Status != domain.EndpointActive {
		return &domain.TransitionError{Op: "acquire_lease", ID: d.ID, From: d.Status, Message: "endpoint not active"}
	}
	d.Status = domain.StatusInProgress
	d.LeaseID = &leaseID
	expires := now.Add(p.LeaseDuration)
	d.LeaseExpiresAt = &expires
	d.NextAttemptAt = nil
	d.UpdatedAt = now
	return nil
}

// CompleteSuccess transitions IN_PROGRESS -> DELIVERED. attemptNumber is the
// ordinal of the attempt that just completed, per the §8 invariant that
// attempts_count equals the number of Attempt rows unconditionally.
func CompleteSuccess(d *domain.Delivery, attemptNumber int, now time.Time) error {
	if d.Status != domain.StatusInProgress {
		return &domain.TransitionError{Op: "complete_success", ID: d.ID, From: d.Status}
	}
	d.Status = domain.StatusDelivered
	d.AttemptsCount = attemptNumber
	d.LastAttemptAt = &now
	d.LeaseID = nil
	d.LeaseExpiresAt = nil
	d.TerminalAt = &now
	d.TerminalReason = "Delivered successfully"
	d.UpdatedAt = now
	return nil
}

// CompleteNonRetryable transitions IN_PROGRESS -> FAILED immediately,
// bypassing the backoff schedule (used for HTTP_4XX_PERMANENT outcomes).
// attemptNumber is the ordinal of the attempt that just completed, per the
// §8 invariant that attempts_count equals the number of Attempt rows
// unconditionally.
func CompleteNonRetryable(d *domain.Delivery, attemptNumber int, reason string, now time.Time) error {
	if d.Status != domain.StatusInProgress {
		return &domain.TransitionError{Op: "complete_non_retryable", ID: d.ID, From: d.Status}
	}
	if reason == "" {
		reason = "Non-retryable failure"
	}
	d.Status = domain.StatusFailed
	d.AttemptsCount = attemptNumber
	d.LastAttemptAt = &now
	d.LeaseID = nil
	d.LeaseExpiresAt = nil
	d.TerminalAt = &now
	d.TerminalReason = reason
	d.UpdatedAt = now
	return nil
}

// CompleteRetryable transitions IN_PROGRESS -> SCHEDULED (with a jittered
// next_attempt_at) unless the attempt budget or TTL has been exhausted, in
// which case it transitions to FAILED or EXPIRED respectively.
func CompleteRetryable(d *domain.Delivery, endpoint *domain.Endpoint, attemptNumber int, p Params, now time.Time) error {
	if d.Status != domain.StatusInProgress {
		return &domain.TransitionError{Op: "complete_retryable", ID: d.ID, From: d.Status}
	}
	d.AttemptsCount = attemptNumber
	d.LastAttemptAt = &now
	d.LeaseID = nil
	d.LeaseExpiresAt = nil
	d.UpdatedAt = now

	if d.AttemptsCount >= p.MaxAttempts {
		d.Status = domain.StatusFailed
		d.TerminalAt = &now
		d.TerminalReason = maxAttemptsReason(p.MaxAttempts)
		return nil
	}
	if ttlExceeded(d, endpoint, p.MaxDeliveryTTL, now) {
		d.Status = domain.StatusExpired
		d.TerminalAt = &now
		d.TerminalReason = "TTL exceeded"
		return nil
	}

	d.Status = domain.StatusScheduled
	next := backoff.NextAttemptAt(now, d.AttemptsCount+1)
	d.NextAttemptAt = &next
	return nil
}

// Expire transitions any non-terminal delivery to EXPIRED.
func Expire(d *domain.Delivery, reason string, now time.Time) error {
	if d.Status.IsTerminal() {
		return &domain.TransitionError{Op: "expire", ID: d.ID, From: d.Status}
	}
	if reason == "" {
		reason = "TTL exceeded"
	}
	d.Status = domain.StatusExpired
	d.LeaseID = nil
	d.LeaseExpiresAt = nil
	d.NextAttemptAt = nil
	d.TerminalAt = &now
	d.TerminalReason = reason
	d.UpdatedAt = now
	return nil
}

// Cancel transitions any non-terminal delivery to CANCELLED. A delivery
// that is IN_PROGRESS at the moment cancellation is requested finishes its
// in-flight attempt; after the HTTP call returns, the worker re-reads the
// status under the row lock and skips its own transition when it finds
// CANCELLED, rather than aborting the call mid-flight (§5).
func Cancel(d *domain.Delivery, reason string, now time.Time) error {
	if d.Status.IsTerminal() {
		return &domain.TransitionError{Op: "cancel", ID: d.ID, From: d.Status}
	}
	if reason == "" {
		reason = "Cancelled by user"
	}
	d.Status = domain.StatusCancelled
	d.LeaseID = nil
	d.LeaseExpiresAt = nil
	d.NextAttemptAt = nil
	d.TerminalAt = &now
	d.TerminalReason = reason
	d.UpdatedAt = now
	return nil
}

// RecoverLease transitions IN_PROGRESS -> SCHEDULED after a lease expires
// without the worker reporting an outcome (§4.9). Called by the recoverer
// after it records a synthetic WORKER_CRASH_OR_UNKNOWN attempt.
func RecoverLease(d *domain.Delivery, p Params, now time.Time) error {
	if d.Status != domain.StatusInProgress {
		return &domain.TransitionError{Op: "recover_lease", ID: d.ID, From: d.Status}
	}
	d.Status = domain.StatusScheduled
	next := now.Add(p.LeaseRecoveryDelay)
	d.NextAttemptAt = &next
	d.LeaseID = nil
	d.LeaseExpiresAt = nil
	d.UpdatedAt = now
	return nil
}

// ttlExceeded reports whether the delivery has been alive, excluding time
// spent with the endpoint currently paused, longer than MaxDeliveryTTL.
// Only the endpoint's current pause segment is subtracted: a pause that
// was already lifted does not retroactively extend the budget, and a
// pause/resume/pause cycle only discounts the segment still open now.
func ttlExceeded(d *domain.Delivery, endpoint *domain.Endpoint, maxTTL time.Duration, now time.Time) bool {
	if d.FirstScheduledAt == nil {
		return false
	}
	elapsed := now.Sub(*d.FirstScheduledAt)
	if endpoint != nil && endpoint.PausedAt != nil {
		elapsed -= now.Sub(*endpoint.PausedAt)
	}
	return elapsed > maxTTL
}

func maxAttemptsReason(max int) string {
	return fmt.Sprintf("Max attempts (%d) reached", max)
}
