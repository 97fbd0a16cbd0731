package store

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dbosk/weblogin"
)

// MemoryStore keeps snapshots in process memory with TTL eviction.
type MemoryStore struct {
	cache *ttlcache.Cache[string, *weblogin.Snapshot]
}

// NewMemoryStore creates an in-memory store whose entries expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *weblogin.Snapshot](ttl),
		ttlcache.WithDisableTouchOnHit[string, *weblogin.Snapshot](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// Save implements Store.Save.
func (s *MemoryStore) Save(_ context.Context, snap *weblogin.Snapshot) error {
	s.cache.Set(snap.ID, snap, ttlcache.DefaultTTL)
	return nil
}

// Load implements Store.Load.
func (s *MemoryStore) Load(_ context.Context, id string) (*weblogin.Snapshot, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}

// List implements Store.List.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	return s.cache.Keys(), nil
}

// Stop terminates the eviction loop.
func (s *MemoryStore) Stop() {
	s.cache.Stop()
}
