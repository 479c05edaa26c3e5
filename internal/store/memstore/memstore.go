// Package memstore is an in-memory store.Store implementation used by
// tests and local development. It serializes every mutation behind a
// single mutex, which stands in for the row-level locking the production
// store (internal/store/pgstore) provides with real transactions.
package memstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/store"
)

// MemStore holds every pipeline entity in plain Go maps guarded by mu.
type MemStore struct {
	mu sync.Mutex

	tenants   map[string]*domain.Tenant
	endpoints map[string]*domain.Endpoint
	events    map[string]*domain.Event
	deliveries map[string]*domain.Delivery
	attempts  map[string][]*domain.Attempt

	// locked tracks delivery ids currently held by WithDeliveryLock, so a
	// concurrent caller observes the same skip-if-locked behavior a real
	// SELECT ... FOR UPDATE SKIP LOCKED would give.
	locked map[string]bool
}

// New creates an empty store.
func New() *MemStore {
	return &MemStore{
		tenants:    make(map[string]*domain.Tenant),
		endpoints:  make(map[string]*domain.Endpoint),
		events:     make(map[string]*domain.Event),
		deliveries: make(map[string]*domain.Delivery),
		attempts:   make(map[string][]*domain.Attempt),
		locked:     make(map[string]bool),
	}
}

// Seed helpers, used by tests and local bootstrapping.

func (s *MemStore) PutTenant(t *domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
}

func (s *MemStore) PutEndpoint(e *domain.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.endpoints[e.ID] = &cp
}

func (s *MemStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) GetEndpoint(ctx context.Context, tenantID, endpointID string) (*domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpointID]
	if !ok || e.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemStore) GetEndpoints(ctx context.Context, tenantID string, endpointIDs []string) ([]*domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Endpoint, 0, len(endpointIDs))
	for _, id := range endpointIDs {
		e, ok := s.endpoints[id]
		if !ok || e.TenantID != tenantID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) SetEndpointStatus(ctx context.Context, tenantID, endpointID string, status domain.EndpointStatus, now time.Time) (*domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpointID]
	if !ok || e.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	e.Status = status
	if status == domain.EndpointPaused {
		t := now
		e.PausedAt = &t
	} else {
		e.PausedAt = nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.ID] = &cp
	return nil
}

func (s *MemStore) GetEvent(ctx context.Context, tenantID, eventID string) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok || e.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemStore) FindDedupCandidate(ctx context.Context, tenantID, endpointID, keyHash string, windowStart time.Time) (*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.Delivery
	for _, d := range s.deliveries {
		if d.TenantID != tenantID || d.EndpointID != endpointID {
			continue
		}
		if d.IdempotencyKeyHash == nil || *d.IdempotencyKeyHash != keyHash {
			continue
		}
		if d.CreatedAt.Before(windowStart) {
			continue
		}
		if best == nil || d.CreatedAt.After(best.CreatedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemStore) ExistsWithKeyHash(ctx context.Context, tenantID, endpointID, keyHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && d.EndpointID == endpointID &&
			d.IdempotencyKeyHash != nil && *d.IdempotencyKeyHash == keyHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) CreateDelivery(ctx context.Context, d *domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemStore) GetDelivery(ctx context.Context, tenantID, deliveryID string) (*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok || d.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) ListDeliveries(ctx context.Context, tenantID string, limit int) ([]*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Delivery, 0)
	for _, d := range s.deliveries {
		if d.TenantID == tenantID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ClaimPendingForSchedule(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Delivery, 0, limit)
	for _, d := range s.deliveries {
		if d.Status != domain.StatusPending {
			continue
		}
		ep, ok := s.endpoints[d.EndpointID]
		if !ok || ep.Status != domain.EndpointActive {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ClaimDueForDispatch(ctx context.Context, now time.Time, limit int) ([]*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Delivery, 0, limit)
	for _, d := range s.deliveries {
		if d.Status != domain.StatusScheduled {
			continue
		}
		if d.NextAttemptAt == nil || d.NextAttemptAt.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CountInProgress(ctx context.Context, endpointID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deliveries {
		if d.EndpointID == endpointID && d.Status == domain.StatusInProgress {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ClaimExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Delivery, 0, limit)
	for _, d := range s.deliveries {
		if d.Status != domain.StatusInProgress {
			continue
		}
		if d.LeaseExpiresAt == nil || !d.LeaseExpiresAt.Before(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) WithDeliveryLock(ctx context.Context, deliveryID string, fn func(d *domain.Delivery, endpoint *domain.Endpoint) error) error {
	s.mu.Lock()
	if s.locked[deliveryID] {
		s.mu.Unlock()
		return domain.ErrLocked
	}
	d, ok := s.deliveries[deliveryID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	s.locked[deliveryID] = true
	cp := *d
	var ep *domain.Endpoint
	if e, ok := s.endpoints[d.EndpointID]; ok {
		epCopy := *e
		ep = &epCopy
	}
	s.mu.Unlock()

	err := fn(&cp, ep)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, deliveryID)
	if err != nil {
		return err
	}
	s.deliveries[deliveryID] = &cp
	return nil
}

func (s *MemStore) Save(ctx context.Context, d *domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemStore) CreateAttempt(ctx context.Context, a *domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts[a.DeliveryID] = append(s.attempts[a.DeliveryID], &cp)
	return nil
}

func (s *MemStore) ListAttempts(ctx context.Context, tenantID, deliveryID string) ([]*domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Attempt
	for _, a := range s.attempts[deliveryID] {
		if a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// NewID returns a random hex token, for callers that need an opaque id
// without importing google/uuid; the memstore tests use it for delivery
// ids. Lease tokens are not minted here: internal/worker uses uuid.New().
func NewID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var _ store.Store = (*MemStore)(nil)
