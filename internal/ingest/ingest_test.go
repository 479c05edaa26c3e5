package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/store/memstore"
	"github.com/hookrelay/deliverant/pkg/logger"
)

func newTestIngester() (*Ingester, *memstore.MemStore) {
	s := memstore.New()
	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", Status: domain.EndpointActive})
	s.PutEndpoint(&domain.Endpoint{ID: "e2", TenantID: "t1", Status: domain.EndpointActive})
	return New(s, DefaultParams(), logger.NewDefaultLogger()), s
}

func TestIngest_CreatesOnePendingDeliveryPerEndpoint(t *testing.T) {
	ing, s := newTestIngester()
	now := time.Now()

	result, err := ing.Ingest(context.Background(), "t1", Request{
		Type:        "order.created",
		Payload:     map[string]interface{}{"id": 1},
		EndpointIDs: []string{"e1", "e2"},
	}, now)
	require.NoError(t, err)
	require.Len(t, result.Deliveries, 2)
	for _, dr := range result.Deliveries {
		assert.True(t, dr.Created)
		d, err := s.GetDelivery(context.Background(), "t1", dr.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, d.Status)
	}
}

func TestIngest_RejectsUnknownEndpoint(t *testing.T) {
	ing, _ := newTestIngester()
	_, err := ing.Ingest(context.Background(), "t1", Request{
		Type:        "order.created",
		Payload:     map[string]interface{}{},
		EndpointIDs: []string{"e1", "does-not-exist"},
	}, time.Now())
	require.Error(t, err)
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestIngest_RejectsEmptyEndpointList(t *testing.T) {
	ing, _ := newTestIngester()
	_, err := ing.Ingest(context.Background(), "t1", Request{
		Type:    "order.created",
		Payload: map[string]interface{}{},
	}, time.Now())
	require.Error(t, err)
}

func TestIngest_RejectsOversizedPayload(t *testing.T) {
	ing, _ := newTestIngester()
	ing.params.MaxPayloadSize = 4

	_, err := ing.Ingest(context.Background(), "t1", Request{
		Type:        "order.created",
		Payload:     map[string]interface{}{"id": "way too big for four bytes"},
		EndpointIDs: []string{"e1"},
	}, time.Now())
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)
}

// TestIngest_IdempotencyKeyReusesDelivery mirrors scenario §8 #4: a second
// request bearing the same idempotency key within the dedup window, with an
// identical payload, returns the existing delivery rather than creating one.
func TestIngest_IdempotencyKeyReusesDelivery(t *testing.T) {
	ing, _ := newTestIngester()
	now := time.Now()
	key := "order-123"

	first, err := ing.Ingest(context.Background(), "t1", Request{
		Type:           "order.created",
		Payload:        map[string]interface{}{"id": 1},
		EndpointIDs:    []string{"e1"},
		IdempotencyKey: &key,
	}, now)
	require.NoError(t, err)

	second, err := ing.Ingest(context.Background(), "t1", Request{
		Type:           "order.created",
		Payload:        map[string]interface{}{"id": 1},
		EndpointIDs:    []string{"e1"},
		IdempotencyKey: &key,
	}, now.Add(time.Minute))
	require.NoError(t, err)

	require.Len(t, second.Deliveries, 1)
	assert.False(t, second.Deliveries[0].Created)
	assert.Equal(t, first.Deliveries[0].DeliveryID, second.Deliveries[0].DeliveryID)
}

// TestIngest_IdempotencyKeyConflictOnPayloadMismatch mirrors scenario §8 #5:
// the same idempotency key reused with a different payload is a conflict in
// RELIABLE mode.
func TestIngest_IdempotencyKeyConflictOnPayloadMismatch(t *testing.T) {
	ing, _ := newTestIngester()
	now := time.Now()
	key := "order-123"

	_, err := ing.Ingest(context.Background(), "t1", Request{
		Type:           "order.created",
		Payload:        map[string]interface{}{"id": 1},
		EndpointIDs:    []string{"e1"},
		IdempotencyKey: &key,
	}, now)
	require.NoError(t, err)

	_, err = ing.Ingest(context.Background(), "t1", Request{
		Type:           "order.created",
		Payload:        map[string]interface{}{"id": 2},
		EndpointIDs:    []string{"e1"},
		IdempotencyKey: &key,
	}, now.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)
}

func TestIngest_BasicModeDedupesIdenticalPayloadWithinWindow(t *testing.T) {
	ing, _ := newTestIngester()
	now := time.Now()

	req := Request{
		Type:        "order.created",
		Payload:     map[string]interface{}{"id": 1},
		EndpointIDs: []string{"e1"},
	}

	first, err := ing.Ingest(context.Background(), "t1", req, now)
	require.NoError(t, err)

	second, err := ing.Ingest(context.Background(), "t1", req, now.Add(time.Hour))
	require.NoError(t, err)

	assert.False(t, second.Deliveries[0].Created)
	assert.Equal(t, first.Deliveries[0].DeliveryID, second.Deliveries[0].DeliveryID)
}

func TestIngest_BasicModeCreatesNewDeliveryOutsideWindow(t *testing.T) {
	ing, _ := newTestIngester()
	now := time.Now()

	req := Request{
		Type:        "order.created",
		Payload:     map[string]interface{}{"id": 1},
		EndpointIDs: []string{"e1"},
	}

	first, err := ing.Ingest(context.Background(), "t1", req, now)
	require.NoError(t, err)

	second, err := ing.Ingest(context.Background(), "t1", req, now.Add(25*time.Hour))
	require.NoError(t, err)

	assert.True(t, second.Deliveries[0].Created)
	assert.NotEqual(t, first.Deliveries[0].DeliveryID, second.Deliveries[0].DeliveryID)
}

func TestCanonicalizePayload_ProducesStableHash(t *testing.T) {
	a, err := CanonicalizePayload(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := CanonicalizePayload(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, PayloadHash(a), PayloadHash(b))
}
