// Package ingest validates and persists inbound events, materializing one
// PENDING delivery per (event, endpoint) and applying the idempotency and
// deduplication rules (§4.3).
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/store"
	"github.com/hookrelay/deliverant/pkg/logger"
)

// Params bundles the ingest tunables (§6).
type Params struct {
	MaxPayloadSize int
	DedupWindow    time.Duration
}

// DefaultParams matches internal/config's defaults:
// MAX_PAYLOAD_SIZE=262144 (256 KiB), DEDUP_WINDOW_HOURS=24.
func DefaultParams() Params {
	return Params{
		MaxPayloadSize: 256 * 1024,
		DedupWindow:    24 * time.Hour,
	}
}

// Request is the inbound POST /events body (§6).
type Request struct {
	Type           string
	Payload        interface{}
	EndpointIDs    []string
	IdempotencyKey *string
}

// DeliveryResult is one entry of the response's deliveries[] array.
type DeliveryResult struct {
	DeliveryID string
	EndpointID string
	Created    bool
}

// Result is the full ingest response.
type Result struct {
	EventID    string
	Deliveries []DeliveryResult
}

// Ingester ties a Store to the ingest rules.
type Ingester struct {
	store  store.Store
	params Params
	log    logger.Logger
}

func New(s store.Store, params Params, log logger.Logger) *Ingester {
	return &Ingester{store: s, params: params, log: log}
}

// CanonicalizePayload JSON-serializes value with sorted keys and no
// whitespace, matching the Event.payload_hash invariant in §3.
// encoding/json already sorts map[string]interface{} keys and emits no
// indentation at every nesting level, so no extra walk is needed.
func CanonicalizePayload(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

// PayloadHash returns the lowercase hex SHA-256 of canonical.
func PayloadHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Ingest implements §4.3 end to end. now is passed explicitly so the
// function is deterministic and testable.
func (ing *Ingester) Ingest(ctx context.Context, tenantID string, req Request, now time.Time) (*Result, error) {
	canonical, err := CanonicalizePayload(req.Payload)
	if err != nil {
		return nil, &domain.ValidationError{Field: "payload", Message: err.Error()}
	}
	if len(canonical) > ing.params.MaxPayloadSize {
		return nil, domain.ErrPayloadTooLarge
	}
	if len(req.EndpointIDs) == 0 {
		return nil, &domain.ValidationError{Field: "endpoint_ids", Message: "at least one endpoint is required"}
	}

	endpoints, err := ing.store.GetEndpoints(ctx, tenantID, req.EndpointIDs)
	if err != nil {
		return nil, err
	}
	if missing := missingIDs(req.EndpointIDs, endpoints); len(missing) > 0 {
		return nil, &domain.ValidationError{
			Field:   "endpoint_ids",
			Message: fmt.Sprintf("unknown endpoint ids: %v", missing),
		}
	}

	payloadHash := PayloadHash(canonical)
	event := &domain.Event{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Type:        req.Type,
		PayloadJSON: canonical,
		PayloadHash: payloadHash,
		CreatedAt:   now,
	}
	if err := ing.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	windowStart := now.Add(-ing.params.DedupWindow)
	results := make([]DeliveryResult, 0, len(endpoints))

	for _, ep := range endpoints {
		mode, keyHash := deliveryKey(tenantID, ep.ID, req.Type, payloadHash, req.IdempotencyKey)

		existing, err := ing.store.FindDedupCandidate(ctx, tenantID, ep.ID, keyHash, windowStart)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if mode == domain.ModeReliable {
				existingEvent, err := ing.store.GetEvent(ctx, tenantID, existing.EventID)
				if err != nil {
					return nil, err
				}
				if existingEvent.PayloadHash != payloadHash {
					return nil, domain.ErrIdempotencyKeyConflict
				}
			}
			results = append(results, DeliveryResult{DeliveryID: existing.ID, EndpointID: ep.ID, Created: false})
			continue
		}

		reused, err := ing.store.ExistsWithKeyHash(ctx, tenantID, ep.ID, keyHash)
		if err != nil {
			return nil, err
		}

		delivery := &domain.Delivery{
			ID:                   uuid.New().String(),
			TenantID:             tenantID,
			EventID:              event.ID,
			EndpointID:           ep.ID,
			Mode:                 mode,
			IdempotencyKey:       req.IdempotencyKey,
			IdempotencyKeyHash:   &keyHash,
			IdempotencyKeyReused: reused,
			Status:               domain.StatusPending,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := ing.store.CreateDelivery(ctx, delivery); err != nil {
			return nil, err
		}
		results = append(results, DeliveryResult{DeliveryID: delivery.ID, EndpointID: ep.ID, Created: true})
	}

	ing.log.Debug("ingested event", map[string]interface{}{"event_id": event.ID, "tenant_id": tenantID, "deliveries": len(results)})
	return &Result{EventID: event.ID, Deliveries: results}, nil
}

// deliveryKey computes the (mode, key_hash) pair per §4.3 step 4.
func deliveryKey(tenantID, endpointID, eventType, payloadHash string, idempotencyKey *string) (domain.DeliveryMode, string) {
	if idempotencyKey != nil && *idempotencyKey != "" {
		sum := sha256.Sum256([]byte(*idempotencyKey))
		return domain.ModeReliable, hex.EncodeToString(sum[:])
	}
	basis := fmt.Sprintf("%s:%s:%s:%s", tenantID, endpointID, eventType, payloadHash)
	sum := sha256.Sum256([]byte(basis))
	return domain.ModeBasic, hex.EncodeToString(sum[:])
}

func missingIDs(requested []string, found []*domain.Endpoint) []string {
	present := make(map[string]bool, len(found))
	for _, e := range found {
		present[e.ID] = true
	}
	var missing []string
	for _, id := range requested {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
