package quota

import (
	"context"
	"sync"
	"time"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// MemoryStore is an in-memory TenantStore used in tests and for local
// development without a database file.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*types.TenantApplication
	usage   map[string]types.UsageRecord // key: tenantID + "|" + period
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*types.TenantApplication),
		usage:   make(map[string]types.UsageRecord),
	}
}

func (s *MemoryStore) CreateTenant(_ context.Context, app *types.TenantApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *app
	s.tenants[app.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTenant(_ context.Context, id string) (*types.TenantApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *app
	return &cp, nil
}

func (s *MemoryStore) ListTenants(_ context.Context) ([]*types.TenantApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.TenantApplication, 0, len(s.tenants))
	for _, app := range s.tenants {
		cp := *app
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateSecret(_ context.Context, id, secretHash string, tokenEpoch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	app.SecretHash = secretHash
	app.TokenEpoch = tokenEpoch
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status types.TenantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	app.Status = status
	return nil
}

func (s *MemoryStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app, ok := s.tenants[id]; ok {
		app.LastUsed = at
	}
	return nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, tenantID, period string, delta types.UsageDelta) (types.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "|" + period
	rec := s.usage[key]
	rec.TenantID = tenantID
	rec.Period = period
	rec.RequestCount += delta.Requests
	rec.SuccessCount += delta.Successes
	rec.FailureCount += delta.Failures
	rec.TotalCost += delta.Cost
	s.usage[key] = rec
	return rec, nil
}

func (s *MemoryStore) GetUsage(_ context.Context, tenantID, period string) (types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.usage[tenantID+"|"+period]
	if !ok {
		return types.UsageRecord{TenantID: tenantID, Period: period}, nil
	}
	return rec, nil
}

func (s *MemoryStore) Close() error { return nil }
