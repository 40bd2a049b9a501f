package cloud

import (
	"fmt"
	"sync"

	"github.com/alexjbarnes/skysync/internal/skyerr"
)

// Registry maps account ids to their provider adapters. It is safe for
// concurrent use; accounts registered at startup are looked up by
// workers for every transfer.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for an account.
func (r *Registry) Register(accountID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[accountID] = a
}

// Adapter returns the adapter registered for accountID.
func (r *Registry) Adapter(accountID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[accountID]
	if !ok {
		return nil, fmt.Errorf("account %q: %w", accountID, skyerr.ErrAccountNotFound)
	}

	return a, nil
}

// Accounts returns the registered account ids.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}

	return out
}
