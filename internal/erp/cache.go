package erp

import (
	"context"
	"sync"
)

// ConfigStore loads and saves connection settings.
type ConfigStore interface {
	Get(ctx context.Context, cooperativeID int64) (ConnectionConfig, error)
	Save(ctx context.Context, cfg ConnectionConfig) error
}

// ConnCache caches built ERP clients per cooperative. Settings are
// read-mostly; Save invalidates the cached client synchronously before
// returning, so no ingestion attempt started afterwards can observe stale
// credentials.
type ConnCache struct {
	store ConfigStore

	mu      sync.RWMutex
	clients map[int64]*Client
}

// NewConnCache constructs the cache over a settings store.
func NewConnCache(store ConfigStore) *ConnCache {
	return &ConnCache{
		store:   store,
		clients: make(map[int64]*Client),
	}
}

// Client returns the cached client for a cooperative, building one from
// persisted settings on miss.
func (c *ConnCache) Client(ctx context.Context, cooperativeID int64) (*Client, error) {
	c.mu.RLock()
	client, ok := c.clients[cooperativeID]
	c.mu.RUnlock()
	if ok {
		return client, nil
	}

	cfg, err := c.store.Get(ctx, cooperativeID)
	if err != nil {
		return nil, err
	}
	client, err = NewClient(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have built one while we loaded settings.
	if existing, ok := c.clients[cooperativeID]; ok {
		return existing, nil
	}
	c.clients[cooperativeID] = client
	return client, nil
}

// Save persists new settings and invalidates the cached client.
func (c *ConnCache) Save(ctx context.Context, cfg ConnectionConfig) error {
	if err := c.store.Save(ctx, cfg); err != nil {
		return err
	}
	c.Invalidate(cfg.CooperativeID)
	return nil
}

// Invalidate drops the cached client for one cooperative.
func (c *ConnCache) Invalidate(cooperativeID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, cooperativeID)
}
