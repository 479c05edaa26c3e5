// Package replay implements the replay feature supplemented from the
// original implementation's apps/replays app: re-triggering terminal,
// non-CANCELLED deliveries as fresh PENDING deliveries against the same
// event and endpoint, without re-running ingest's dedup logic.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/store"
	"github.com/hookrelay/deliverant/pkg/logger"
)

// DefaultMaxBatchSize matches the MAX_REPLAY_BATCH_SIZE default (§6); the
// actual cap is configurable per Replayer via New.
const DefaultMaxBatchSize = 50

// Item describes one delivery's replay outcome.
type Item struct {
	SourceDeliveryID string
	NewDeliveryID    string
	Created          bool
}

// Result is the full response to a replay request.
type Result struct {
	BatchID string
	Items   []Item
	DryRun  bool
}

// Replayer re-triggers deliveries on demand.
type Replayer struct {
	store        store.Store
	maxBatchSize int
	log          logger.Logger
}

// New builds a Replayer bounding batches to maxBatchSize (MAX_REPLAY_BATCH_SIZE,
// §6); a non-positive value falls back to DefaultMaxBatchSize.
func New(s store.Store, maxBatchSize int, log logger.Logger) *Replayer {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &Replayer{store: s, maxBatchSize: maxBatchSize, log: log}
}

// Replay re-triggers deliveryIDs. dryRun validates without writing.
// Replay intentionally bypasses the ingest dedup/idempotency rules (§4.3):
// a replay is an explicit operator action, not a producer resubmission,
// so it always creates a new delivery row regardless of any existing
// delivery with the same event/endpoint pair.
func (r *Replayer) Replay(ctx context.Context, tenantID string, deliveryIDs []string, dryRun bool, now time.Time) (*Result, error) {
	if len(deliveryIDs) > r.maxBatchSize {
		return nil, domain.ErrBatchTooLarge
	}

	sources := make([]*domain.Delivery, 0, len(deliveryIDs))
	for _, id := range deliveryIDs {
		d, err := r.store.GetDelivery(ctx, tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
		}
		if !d.Status.IsTerminal() || d.Status == domain.StatusCancelled {
			return nil, &domain.TransitionError{Op: "replay", ID: d.ID, From: d.Status, Message: "only terminal, non-cancelled deliveries can be replayed"}
		}
		sources = append(sources, d)
	}

	batchID := uuid.New().String()
	items := make([]Item, 0, len(sources))

	for _, src := range sources {
		if dryRun {
			items = append(items, Item{SourceDeliveryID: src.ID, Created: false})
			continue
		}

		replacement := &domain.Delivery{
			ID:         uuid.New().String(),
			TenantID:   src.TenantID,
			EventID:    src.EventID,
			EndpointID: src.EndpointID,
			Mode:       domain.ModeReliable,
			Status:     domain.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := r.store.CreateDelivery(ctx, replacement); err != nil {
			return nil, err
		}
		items = append(items, Item{SourceDeliveryID: src.ID, NewDeliveryID: replacement.ID, Created: true})
	}

	r.log.Info("replay batch created", map[string]interface{}{"batch_id": batchID, "tenant_id": tenantID, "count": len(items), "dry_run": dryRun})
	return &Result{BatchID: batchID, Items: items, DryRun: dryRun}, nil
}
