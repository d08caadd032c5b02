package erp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/koperasi-erp/koperasi-erp/internal/shared"
)

type storeStub struct {
	mu     sync.Mutex
	cfg    ConnectionConfig
	getErr error
	gets   int
	saves  int
}

func (s *storeStub) Get(_ context.Context, cooperativeID int64) (ConnectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return ConnectionConfig{}, s.getErr
	}
	cfg := s.cfg
	cfg.CooperativeID = cooperativeID
	return cfg, nil
}

func (s *storeStub) Save(_ context.Context, cfg ConnectionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.cfg = cfg
	return nil
}

func TestConnCacheReusesBuiltClient(t *testing.T) {
	store := &storeStub{cfg: ConnectionConfig{BaseURL: "http://erp.local", APIKey: "k1"}}
	cache := NewConnCache(store)

	first, err := cache.Client(context.Background(), 7)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	second, err := cache.Client(context.Background(), 7)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if first != second {
		t.Fatalf("expected the cached client to be reused")
	}
	if store.gets != 1 {
		t.Fatalf("settings must be loaded once, got %d", store.gets)
	}
}

func TestConnCacheSaveInvalidates(t *testing.T) {
	store := &storeStub{cfg: ConnectionConfig{BaseURL: "http://erp.local", APIKey: "k1"}}
	cache := NewConnCache(store)

	stale, err := cache.Client(context.Background(), 7)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	err = cache.Save(context.Background(), ConnectionConfig{CooperativeID: 7, BaseURL: "http://erp.local", APIKey: "k2"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if store.saves != 1 {
		t.Fatalf("settings must be persisted, saves=%d", store.saves)
	}

	fresh, err := cache.Client(context.Background(), 7)
	if err != nil {
		t.Fatalf("client after save: %v", err)
	}
	if fresh == stale {
		t.Fatalf("save must invalidate the cached client")
	}
	if fresh.apiKey != "k2" {
		t.Fatalf("rebuilt client must carry the new credentials, got %q", fresh.apiKey)
	}
}

func TestConnCachePropagatesMissingSettings(t *testing.T) {
	store := &storeStub{getErr: shared.ErrNotFound}
	cache := NewConnCache(store)

	_, err := cache.Client(context.Background(), 7)
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConnCachePerCooperativeIsolation(t *testing.T) {
	store := &storeStub{cfg: ConnectionConfig{BaseURL: "http://erp.local", APIKey: "k1"}}
	cache := NewConnCache(store)

	a, err := cache.Client(context.Background(), 1)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	b, err := cache.Client(context.Background(), 2)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if a == b {
		t.Fatalf("cooperatives must not share clients")
	}

	cache.Invalidate(1)
	a2, err := cache.Client(context.Background(), 1)
	if err != nil {
		t.Fatalf("client after invalidate: %v", err)
	}
	if a2 == a {
		t.Fatalf("invalidate must drop the cached client")
	}
	b2, err := cache.Client(context.Background(), 2)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if b2 != b {
		t.Fatalf("invalidating one cooperative must not evict another")
	}
}
