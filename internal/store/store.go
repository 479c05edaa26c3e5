// Package store defines the durable-storage contract the rest of the
// delivery pipeline depends on. The durable store is named as an external,
// assumed capability; this package gives it a concrete Go shape so the
// scheduler, worker and recoverer can be written and tested against an
// in-memory double (internal/store/memstore) as well as a production
// Postgres implementation (internal/store/pgstore).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hookrelay/deliverant/internal/domain"
)

// ErrOptimisticLock is returned by a transactional mutation when the row
// was modified between read and write by another actor.
var ErrOptimisticLock = errors.New("store: concurrent modification")

// TenantStore resolves tenant identity.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
}

// EndpointStore resolves and mutates endpoint rows.
type EndpointStore interface {
	GetEndpoint(ctx context.Context, tenantID, endpointID string) (*domain.Endpoint, error)
	// GetEndpoints returns every requested endpoint that belongs to tenantID.
	// Callers diff the returned slice against the requested ids to find
	// any that don't exist or belong to another tenant.
	GetEndpoints(ctx context.Context, tenantID string, endpointIDs []string) ([]*domain.Endpoint, error)
	SetEndpointStatus(ctx context.Context, tenantID, endpointID string, status domain.EndpointStatus, now time.Time) (*domain.Endpoint, error)
}

// EventStore persists immutable event rows.
type EventStore interface {
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvent(ctx context.Context, tenantID, eventID string) (*domain.Event, error)
}

// DeliveryStore is the core of the durable store: every method that
// mutates a Delivery row must do so under a lock equivalent to
// `SELECT ... FOR UPDATE [SKIP LOCKED]`, matching §5's concurrency model.
type DeliveryStore interface {
	// FindDedupCandidate looks up an existing delivery for
	// (tenant, endpoint, keyHash) created at or after windowStart, per the
	// ingest dedup rule (§4.3 step 5).
	FindDedupCandidate(ctx context.Context, tenantID, endpointID, keyHash string, windowStart time.Time) (*domain.Delivery, error)

	// ExistsWithKeyHash reports whether any delivery, regardless of
	// window, was ever created with this key hash — used to set
	// IdempotencyKeyReused on a fresh delivery.
	ExistsWithKeyHash(ctx context.Context, tenantID, endpointID, keyHash string) (bool, error)

	CreateDelivery(ctx context.Context, d *domain.Delivery) error
	GetDelivery(ctx context.Context, tenantID, deliveryID string) (*domain.Delivery, error)
	ListDeliveries(ctx context.Context, tenantID string, limit int) ([]*domain.Delivery, error)

	// ClaimPendingForSchedule returns up to limit PENDING deliveries whose
	// endpoint is ACTIVE, for the scheduler's Phase A.
	ClaimPendingForSchedule(ctx context.Context, limit int) ([]*domain.Delivery, error)

	// ClaimDueForDispatch returns up to limit SCHEDULED deliveries with
	// next_attempt_at <= now, ordered by next_attempt_at, for Phase B.
	ClaimDueForDispatch(ctx context.Context, now time.Time, limit int) ([]*domain.Delivery, error)

	// CountInProgress returns the number of IN_PROGRESS deliveries for an
	// endpoint, used for the advisory concurrency check (§5).
	CountInProgress(ctx context.Context, endpointID string) (int, error)

	// ClaimExpiredLeases returns up to limit IN_PROGRESS deliveries whose
	// lease has expired, for the recoverer.
	ClaimExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Delivery, error)

	// WithDeliveryLock loads the delivery under a row lock that SKIPs rows
	// already locked by another actor (returns ErrLocked), runs fn with
	// the loaded delivery, and persists whatever mutation fn made to it
	// inside the same transaction fn returned nil from. fn's endpoint
	// argument is the current endpoint row, loaded in the same
	// transaction, so acquire_lease's ACTIVE check sees a consistent view.
	WithDeliveryLock(ctx context.Context, deliveryID string, fn func(d *domain.Delivery, endpoint *domain.Endpoint) error) error

	// Save persists a delivery that the caller already mutated outside of
	// WithDeliveryLock (used by the scheduler's Phase A after Schedule,
	// which doesn't need the endpoint row).
	Save(ctx context.Context, d *domain.Delivery) error
}

// AttemptStore persists Attempt rows.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *domain.Attempt) error
	ListAttempts(ctx context.Context, tenantID, deliveryID string) ([]*domain.Attempt, error)
}

// Store bundles every repository the pipeline needs. Implementations are
// expected to share one underlying transactional resource (an in-memory
// mutex-guarded map, or a pgxpool.Pool) across all of these interfaces.
type Store interface {
	TenantStore
	EndpointStore
	EventStore
	DeliveryStore
	AttemptStore
}
