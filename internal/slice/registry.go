package slice

import (
	"context"
	"log"
	"sync"
	"time"
)

// Registry owns one authority per slice id, created on demand. It exists so
// that multiple slices (and test fixtures) can coexist in one process
// without any package-level state.
type Registry struct {
	store Store
	perms Permissions
	grace time.Duration

	mu          sync.Mutex
	authorities map[string]*Authority
}

func NewRegistry(st Store, perms Permissions, grace time.Duration) *Registry {
	return &Registry{
		store:       st,
		perms:       perms,
		grace:       grace,
		authorities: make(map[string]*Authority),
	}
}

// Get returns the authority for a slice, loading its persisted queue on
// first use.
func (r *Registry) Get(ctx context.Context, sliceID string) (*Authority, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if authority, ok := r.authorities[sliceID]; ok {
		return authority, nil
	}
	authority, err := New(ctx, sliceID, r.store, r.perms, r.grace)
	if err != nil {
		return nil, err
	}
	r.authorities[sliceID] = authority
	return authority, nil
}

// RunAll polls every known authority for external queue writes.
func (r *Registry) RunAll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			authorities := make([]*Authority, 0, len(r.authorities))
			for _, authority := range r.authorities {
				authorities = append(authorities, authority)
			}
			r.mu.Unlock()
			for _, authority := range authorities {
				if err := authority.SyncExternal(ctx); err != nil {
					log.Printf("slice %s: external sync: %v", authority.ID, err)
				}
			}
		}
	}
}
