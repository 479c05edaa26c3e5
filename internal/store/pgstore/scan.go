package pgstore

import (
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hookrelay/deliverant/internal/domain"
)

// row is satisfied by both pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...interface{}) error
}

const deliveryColumns = `id, tenant_id, event_id, endpoint_id, mode, idempotency_key, idempotency_key_hash,
	idempotency_key_reused, status, attempts_count, next_attempt_at, first_scheduled_at,
	last_attempt_at, terminal_at, terminal_reason, lease_id, lease_expires_at,
	cancel_requested, created_at, updated_at`

// prefixed qualifies every column in a comma-separated list with alias,
// needed for the join query in ClaimPendingForSchedule.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanDelivery(r row) (*domain.Delivery, error) {
	d := &domain.Delivery{}
	err := r.Scan(
		&d.ID, &d.TenantID, &d.EventID, &d.EndpointID, &d.Mode, &d.IdempotencyKey, &d.IdempotencyKeyHash,
		&d.IdempotencyKeyReused, &d.Status, &d.AttemptsCount, &d.NextAttemptAt, &d.FirstScheduledAt,
		&d.LastAttemptAt, &d.TerminalAt, &d.TerminalReason, &d.LeaseID, &d.LeaseExpiresAt,
		&d.CancelRequested, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func scanDeliveries(rows pgx.Rows) ([]*domain.Delivery, error) {
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

func scanEndpoint(r row) (*domain.Endpoint, error) {
	e := &domain.Endpoint{}
	var pausedAt *time.Time
	err := r.Scan(&e.ID, &e.TenantID, &e.Name, &e.URL, &e.Secret, &e.Headers, &e.TimeoutSeconds, &e.Status, &pausedAt)
	if err != nil {
		return nil, err
	}
	e.PausedAt = pausedAt
	return e, nil
}
