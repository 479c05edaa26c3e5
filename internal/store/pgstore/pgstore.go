// Package pgstore is the production store.Store implementation, backed by
// Postgres via pgx. Row-level locking uses SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent workers never block on a delivery another worker
// already holds; dedup lookups and the idempotency-key uniqueness
// constraint are enforced by the schema itself (a partial unique index on
// (tenant_id, endpoint_id, idempotency_key_hash) WHERE idempotency_key_hash
// IS NOT NULL), matching §6's index requirements.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/store"
)

// PGStore wraps a pgxpool.Pool and implements store.Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pool. Schema migration is out of scope
// here; operators are expected to apply the accompanying SQL separately.
func New(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name FROM tenants WHERE id = $1`, id)
	t := &domain.Tenant{}
	if err := row.Scan(&t.ID, &t.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *PGStore) GetEndpoint(ctx context.Context, tenantID, endpointID string) (*domain.Endpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, url, secret, headers, timeout_seconds, status, paused_at
		FROM endpoints WHERE id = $1 AND tenant_id = $2`, endpointID, tenantID)
	return scanEndpoint(row)
}

func (s *PGStore) GetEndpoints(ctx context.Context, tenantID string, endpointIDs []string) ([]*domain.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, url, secret, headers, timeout_seconds, status, paused_at
		FROM endpoints WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, endpointIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) SetEndpointStatus(ctx context.Context, tenantID, endpointID string, status domain.EndpointStatus, now time.Time) (*domain.Endpoint, error) {
	var pausedAt *time.Time
	if status == domain.EndpointPaused {
		pausedAt = &now
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE endpoints SET status = $1, paused_at = $2
		WHERE id = $3 AND tenant_id = $4
		RETURNING id, tenant_id, name, url, secret, headers, timeout_seconds, status, paused_at`,
		status, pausedAt, endpointID, tenantID)
	return scanEndpoint(row)
}

func (s *PGStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, tenant_id, type, payload_json, payload_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.TenantID, event.Type, event.PayloadJSON, event.PayloadHash, event.CreatedAt)
	return err
}

func (s *PGStore) GetEvent(ctx context.Context, tenantID, eventID string) (*domain.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type, payload_json, payload_hash, created_at
		FROM events WHERE id = $1 AND tenant_id = $2`, eventID, tenantID)
	e := &domain.Event{}
	if err := row.Scan(&e.ID, &e.TenantID, &e.Type, &e.PayloadJSON, &e.PayloadHash, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// FindDedupCandidate matches the ingest dedup rule (§4.3 step 5): the
// partial unique index on (tenant_id, endpoint_id, idempotency_key_hash)
// means at most one row can match, but the time window still applies to
// decide whether it counts as a hit or a stale reuse.
func (s *PGStore) FindDedupCandidate(ctx context.Context, tenantID, endpointID, keyHash string, windowStart time.Time) (*domain.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE tenant_id = $1 AND endpoint_id = $2 AND idempotency_key_hash = $3 AND created_at >= $4
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, endpointID, keyHash, windowStart)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *PGStore) ExistsWithKeyHash(ctx context.Context, tenantID, endpointID, keyHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM deliveries WHERE tenant_id = $1 AND endpoint_id = $2 AND idempotency_key_hash = $3)`,
		tenantID, endpointID, keyHash).Scan(&exists)
	return exists, err
}

func (s *PGStore) CreateDelivery(ctx context.Context, d *domain.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (
			id, tenant_id, event_id, endpoint_id, mode, idempotency_key, idempotency_key_hash,
			idempotency_key_reused, status, attempts_count, next_attempt_at, first_scheduled_at,
			last_attempt_at, terminal_at, terminal_reason, lease_id, lease_expires_at,
			cancel_requested, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		d.ID, d.TenantID, d.EventID, d.EndpointID, d.Mode, d.IdempotencyKey, d.IdempotencyKeyHash,
		d.IdempotencyKeyReused, d.Status, d.AttemptsCount, d.NextAttemptAt, d.FirstScheduledAt,
		d.LastAttemptAt, d.TerminalAt, d.TerminalReason, d.LeaseID, d.LeaseExpiresAt,
		d.CancelRequested, d.CreatedAt, d.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrIdempotencyKeyConflict
	}
	return err
}

func (s *PGStore) GetDelivery(ctx context.Context, tenantID, deliveryID string) (*domain.Delivery, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1 AND tenant_id = $2`, deliveryID, tenantID)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

func (s *PGStore) ListDeliveries(ctx context.Context, tenantID string, limit int) ([]*domain.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimPendingForSchedule joins against endpoints to filter ACTIVE-only,
// matching Phase A (§4.4): PAUSED endpoints' deliveries remain PENDING.
func (s *PGStore) ClaimPendingForSchedule(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("d", deliveryColumns)+`
		FROM deliveries d JOIN endpoints e ON e.id = d.endpoint_id
		WHERE d.status = 'PENDING' AND e.status = 'ACTIVE'
		ORDER BY d.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// ClaimDueForDispatch backs Phase B (§4.4). The per-endpoint concurrency
// cap is checked by the caller via CountInProgress, not here, matching the
// advisory/racy design named in §5 and §9 open question (b).
func (s *PGStore) ClaimDueForDispatch(ctx context.Context, now time.Time, limit int) ([]*domain.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE status = 'SCHEDULED' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (s *PGStore) CountInProgress(ctx context.Context, endpointID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM deliveries WHERE endpoint_id = $1 AND status = 'IN_PROGRESS'`, endpointID).Scan(&n)
	return n, err
}

func (s *PGStore) ClaimExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE status = 'IN_PROGRESS' AND lease_expires_at < $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// WithDeliveryLock implements the worker's step-1/step-8 lock acquisition
// (§4.5) as one SELECT ... FOR UPDATE SKIP LOCKED transaction. If the row
// is already locked by another backend, pg returns zero rows immediately
// instead of blocking, which we surface as domain.ErrLocked so callers
// exit quietly per the spec.
func (s *PGStore) WithDeliveryLock(ctx context.Context, deliveryID string, fn func(d *domain.Delivery, endpoint *domain.Endpoint) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1 FOR UPDATE SKIP LOCKED`, deliveryID)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrLocked
	}
	if err != nil {
		return err
	}

	epRow := tx.QueryRow(ctx, `
		SELECT id, tenant_id, name, url, secret, headers, timeout_seconds, status, paused_at
		FROM endpoints WHERE id = $1`, d.EndpointID)
	endpoint, err := scanEndpoint(epRow)
	if err != nil {
		return err
	}

	if err := fn(d, endpoint); err != nil {
		return err
	}

	if err := s.saveTx(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Save(ctx context.Context, d *domain.Delivery) error {
	_, err := s.pool.Exec(ctx, updateDeliverySQL,
		d.Status, d.AttemptsCount, d.NextAttemptAt, d.FirstScheduledAt, d.LastAttemptAt,
		d.TerminalAt, d.TerminalReason, d.LeaseID, d.LeaseExpiresAt, d.CancelRequested,
		d.UpdatedAt, d.ID)
	return err
}

func (s *PGStore) saveTx(ctx context.Context, tx pgx.Tx, d *domain.Delivery) error {
	_, err := tx.Exec(ctx, updateDeliverySQL,
		d.Status, d.AttemptsCount, d.NextAttemptAt, d.FirstScheduledAt, d.LastAttemptAt,
		d.TerminalAt, d.TerminalReason, d.LeaseID, d.LeaseExpiresAt, d.CancelRequested,
		d.UpdatedAt, d.ID)
	return err
}

const updateDeliverySQL = `
	UPDATE deliveries SET
		status = $1, attempts_count = $2, next_attempt_at = $3, first_scheduled_at = $4,
		last_attempt_at = $5, terminal_at = $6, terminal_reason = $7, lease_id = $8,
		lease_expires_at = $9, cancel_requested = $10, updated_at = $11
	WHERE id = $12`

func (s *PGStore) CreateAttempt(ctx context.Context, a *domain.Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attempts (
			id, tenant_id, delivery_id, attempt_number, started_at, ended_at, latency_ms,
			outcome, classification, http_status, response_headers, response_body_snippet,
			error_detail, request_payload_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.TenantID, a.DeliveryID, a.AttemptNumber, a.StartedAt, a.EndedAt, a.LatencyMs,
		a.Outcome, a.Classification, a.HTTPStatus, a.ResponseHeaders, a.ResponseBodySnippet,
		a.ErrorDetail, a.RequestPayloadHash)
	return err
}

func (s *PGStore) ListAttempts(ctx context.Context, tenantID, deliveryID string) ([]*domain.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, delivery_id, attempt_number, started_at, ended_at, latency_ms,
			outcome, classification, http_status, response_headers, response_body_snippet,
			error_detail, request_payload_hash
		FROM attempts WHERE tenant_id = $1 AND delivery_id = $2 ORDER BY attempt_number`,
		tenantID, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Attempt
	for rows.Next() {
		a := &domain.Attempt{}
		if err := rows.Scan(&a.ID, &a.TenantID, &a.DeliveryID, &a.AttemptNumber, &a.StartedAt, &a.EndedAt,
			&a.LatencyMs, &a.Outcome, &a.Classification, &a.HTTPStatus, &a.ResponseHeaders,
			&a.ResponseBodySnippet, &a.ErrorDetail, &a.RequestPayloadHash); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ store.Store = (*PGStore)(nil)
