package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/killswitch"
	"github.com/hookrelay/deliverant/internal/statemachine"
	"github.com/hookrelay/deliverant/internal/store/memstore"
	"github.com/hookrelay/deliverant/pkg/logger"
)

func newTestWorker(s *memstore.MemStore) *Worker {
	return New(s, killswitch.NewStaticSource(false), statemachine.DefaultParams(), http.DefaultClient, logger.NewDefaultLogger())
}

func seedScheduledDelivery(t *testing.T, s *memstore.MemStore, endpointURL string) string {
	t.Helper()
	ctx := context.Background()
	ev := &domain.Event{ID: "ev1", TenantID: "t1", Type: "order.created", PayloadJSON: []byte(`{"id":1}`), PayloadHash: "hash1"}
	require.NoError(t, s.CreateEvent(ctx, ev))
	s.PutEndpoint(&domain.Endpoint{ID: "e1", TenantID: "t1", URL: endpointURL, Status: domain.EndpointActive, TimeoutSeconds: 5})

	now := time.Now()
	d := &domain.Delivery{ID: "d1", TenantID: "t1", EventID: ev.ID, EndpointID: "e1", Status: domain.StatusScheduled, NextAttemptAt: &now, FirstScheduledAt: &now}
	require.NoError(t, s.CreateDelivery(ctx, d))
	return d.ID
}

// TestExecute_SuccessfulDeliveryMarksDelivered mirrors scenario §8 #1.
func TestExecute_SuccessfulDeliveryMarksDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	id := seedScheduledDelivery(t, s, srv.URL)
	w := newTestWorker(s)

	w.Execute(context.Background(), id)

	d, err := s.GetDelivery(context.Background(), "t1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, d.Status)
	assert.Equal(t, 1, d.AttemptsCount)

	attempts, err := s.ListAttempts(context.Background(), "t1", id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.OutcomeSuccess, attempts[0].Outcome)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
}

// TestExecute_ServerErrorSchedulesRetry mirrors scenario §8 #2.
func TestExecute_ServerErrorSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := memstore.New()
	id := seedScheduledDelivery(t, s, srv.URL)
	w := newTestWorker(s)

	w.Execute(context.Background(), id)

	d, err := s.GetDelivery(context.Background(), "t1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, d.Status)
	assert.Equal(t, 1, d.AttemptsCount)
	require.NotNil(t, d.NextAttemptAt)
	assert.True(t, d.NextAttemptAt.After(time.Now()))
}

// TestExecute_PermanentFailureMarksFailed mirrors scenario §8 #3.
func TestExecute_PermanentFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := memstore.New()
	id := seedScheduledDelivery(t, s, srv.URL)
	w := newTestWorker(s)

	w.Execute(context.Background(), id)

	d, err := s.GetDelivery(context.Background(), "t1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Equal(t, 1, d.AttemptsCount)

	attempts, err := s.ListAttempts(context.Background(), "t1", id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.OutcomeNonRetryable, attempts[0].Outcome)
}

func TestExecute_SignsRequestWhenSecretConfigured(t *testing.T) {
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	id := seedScheduledDelivery(t, s, srv.URL)
	ep, err := s.GetEndpoint(context.Background(), "t1", "e1")
	require.NoError(t, err)
	ep.Secret = []byte("shh")
	s.PutEndpoint(ep)

	w := newTestWorker(s)
	w.Execute(context.Background(), id)

	assert.Contains(t, gotSignature, "v1=")
}

func TestExecute_KillSwitchActiveSkipsDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	id := seedScheduledDelivery(t, s, srv.URL)
	w := New(s, killswitch.NewStaticSource(true), statemachine.DefaultParams(), http.DefaultClient, logger.NewDefaultLogger())

	w.Execute(context.Background(), id)

	d, err := s.GetDelivery(context.Background(), "t1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, d.Status, "kill switch must leave the delivery untouched")
}

func TestSign_MatchesHMACSHA256Format(t *testing.T) {
	sig := Sign([]byte("secret"), "1700000000", []byte(`{"a":1}`))
	assert.Contains(t, sig, "v1=")

	empty := Sign(nil, "1700000000", []byte(`{"a":1}`))
	assert.Equal(t, "", empty)
}

func TestTruncateUTF8_CutsOnRuneBoundary(t *testing.T) {
	s := truncateUTF8([]byte("héllo"), 2)
	assert.LessOrEqual(t, len(s), 2)
}
