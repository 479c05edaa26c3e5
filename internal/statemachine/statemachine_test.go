package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/deliverant/internal/domain"
)

func newPending(now time.Time) *domain.Delivery {
	return &domain.Delivery{ID: "d1", Status: domain.StatusPending, CreatedAt: now, UpdatedAt: now}
}

func activeEndpoint() *domain.Endpoint {
	return &domain.Endpoint{ID: "e1", Status: domain.EndpointActive}
}

func TestSchedule(t *testing.T) {
	now := time.Now()
	d := newPending(now)

	require.NoError(t, Schedule(d, now))
	assert.Equal(t, domain.StatusScheduled, d.Status)
	require.NotNil(t, d.NextAttemptAt)
	assert.WithinDuration(t, now, *d.NextAttemptAt, time.Millisecond)
	require.NotNil(t, d.FirstScheduledAt)
	assert.WithinDuration(t, now, *d.FirstScheduledAt, time.Millisecond)
}

func TestSchedule_PreservesFirstScheduledAt(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)
	d := newPending(now)
	d.FirstScheduledAt = &earlier

	require.NoError(t, Schedule(d, now))
	assert.Equal(t, earlier, *d.FirstScheduledAt)
}

func TestSchedule_RejectsWrongState(t *testing.T) {
	d := newPending(time.Now())
	d.Status = domain.StatusDelivered
	err := Schedule(d, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAcquireLease(t *testing.T) {
	now := time.Now()
	d := newPending(now)
	require.NoError(t, Schedule(d, now))

	ep := activeEndpoint()
	err := AcquireLease(d, ep, "lease-1", DefaultParams(), now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, d.Status)
	require.NotNil(t, d.LeaseID)
	assert.Equal(t, "lease-1", *d.LeaseID)
	require.NotNil(t, d.LeaseExpiresAt)
	assert.Nil(t, d.NextAttemptAt)
}

func TestAcquireLease_RejectsPausedEndpoint(t *testing.T) {
	now := time.Now()
	d := newPending(now)
	require.NoError(t, Schedule(d, now))

	ep := activeEndpoint()
	ep.Status = domain.EndpointPaused

	err := AcquireLease(d, ep, "lease-1", DefaultParams(), now)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.StatusScheduled, d.Status)
}

func TestCompleteSuccess(t *testing.T) {
	now := time.Now()
	d := newPending(now)
	require.NoError(t, Schedule(d, now))
	require.NoError(t, AcquireLease(d, activeEndpoint(), "lease-1", DefaultParams(), now))

	require.NoError(t, CompleteSuccess(d, 1, now))
	assert.Equal(t, domain.StatusDelivered, d.Status)
	assert.True(t, d.Status.IsTerminal())
	assert.Equal(t, 1, d.AttemptsCount)
	assert.Nil(t, d.LeaseID)
	require.NotNil(t, d.TerminalAt)
}

func TestCompleteRetryable_SchedulesNextAttempt(t *testing.T) {
	now := time.Now()
	d := newPending(now)
	require.NoError(t, Schedule(d, now))
	require.NoError(t, AcquireLease(d, activeEndpoint(), "lease-1", DefaultParams(), now))

	require.NoError(t, CompleteRetryable(d, activeEndpoint(), 1, DefaultParams(), now))
	assert.Equal(t, domain.StatusScheduled, d.Status)
	assert.Equal(t, 1, d.AttemptsCount)
	require.NotNil(t, d.NextAttemptAt)
	assert.True(t, !d.NextAttemptAt.Before(now))
}

func TestCompleteRetryable_MaxAttemptsFails(t *testing.T) {
	now := time.Now()
	d := newPending(now)
	require.NoError(t, Schedule(d, now))
	require.NoError(t, AcquireLease(d, activeEndpoint(), "lease-1", DefaultParams(), now))

	p := DefaultParams()
	p.MaxAttempts = 3
	require.NoError(t, CompleteRetryable(d, activeEndpoint(), 3, p, now))
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Contains(t, d.TerminalReason, "Max attempts")
}

func TestCompleteRetryable_TTLExceededExpires(t *testing.T) {
	now := time.Now()
	d := newPending(now)
	firstScheduled := now.Add(-25 * time.Hour)
	d.FirstScheduledAt = &firstScheduled
	d.Status = domain.StatusInProgress

	p := DefaultParams()
	p.MaxDeliveryTTL = 24 * time.Hour

	require.NoError(t, CompleteRetryable(d, activeEndpoint(), 1, p, now))
	assert.Equal(t, domain.StatusExpired, d.Status)
}

func TestCompleteRetryable_PauseExcludesTTL(t *testing.T) {
	// Mirrors the literal scenario in §8 #7: first_scheduled_at = now-25h,
	// endpoint paused_at = now-2h. Effective elapsed = 23h < 24h: not expired.
	now := time.Now()
	firstScheduled := now.Add(-25 * time.Hour)
	d := &domain.Delivery{ID: "d1", Status: domain.StatusInProgress, FirstScheduledAt: &firstScheduled, CreatedAt: now, UpdatedAt: now}

	pausedAt := now.Add(-2 * time.Hour)
	ep := activeEndpoint()
	ep.PausedAt = &pausedAt

	p := DefaultParams()
	p.MaxDeliveryTTL = 24 * time.Hour

	require.NoError(t, CompleteRetryable(d, ep, 1, p, now))
	assert.Equal(t, domain.StatusScheduled, d.Status)
}

func TestCompleteNonRetryable(t *testing.T) {
	now := time.Now()
	d := newPending(now)
	require.NoError(t, Schedule(d, now))
	require.NoError(t, AcquireLease(d, activeEndpoint(), "lease-1", DefaultParams(), now))

	require.NoError(t, CompleteNonRetryable(d, 1, "HTTP_4XX_PERMANENT: 400", now))
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Equal(t, 1, d.AttemptsCount)
	assert.Equal(t, "HTTP_4XX_PERMANENT: 400", d.TerminalReason)
}

func TestCancel_FromAnyNonTerminalState(t *testing.T) {
	for _, status := range []domain.DeliveryStatus{domain.StatusPending, domain.StatusScheduled, domain.StatusInProgress} {
		d := &domain.Delivery{ID: "d1", Status: status}
		require.NoError(t, Cancel(d, "", time.Now()))
		assert.Equal(t, domain.StatusCancelled, d.Status)
	}
}

func TestCancel_RejectsTerminalState(t *testing.T) {
	d := &domain.Delivery{ID: "d1", Status: domain.StatusDelivered}
	err := Cancel(d, "", time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRecoverLease(t *testing.T) {
	now := time.Now()
	d := &domain.Delivery{ID: "d1", Status: domain.StatusInProgress}

	p := DefaultParams()
	require.NoError(t, RecoverLease(d, p, now))
	assert.Equal(t, domain.StatusScheduled, d.Status)
	require.NotNil(t, d.NextAttemptAt)
	assert.Equal(t, now.Add(p.LeaseRecoveryDelay), *d.NextAttemptAt)
	assert.Nil(t, d.LeaseID)
}

func TestExpire(t *testing.T) {
	d := &domain.Delivery{ID: "d1", Status: domain.StatusScheduled}
	require.NoError(t, Expire(d, "TTL exceeded", time.Now()))
	assert.Equal(t, domain.StatusExpired, d.Status)
}
