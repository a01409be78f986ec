package tracked

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry maps entity names to their ledgers. It is filled at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	ledgers map[string]Ledger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ledgers: make(map[string]Ledger)}
}

// Register associates entity with ledger. Registering the same entity twice
// is an error.
func (r *Registry) Register(entity string, ledger Ledger) error {
	ledger = ledger.WithDefaults()
	if entity == "" {
		return errors.New("tracked: empty entity name")
	}
	if err := ledger.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ledgers[entity]; ok {
		return errors.Newf("tracked: entity %q already registered", entity)
	}
	r.ledgers[entity] = ledger
	return nil
}

// MustRegister is Register for package initialisation; it panics on error.
func (r *Registry) MustRegister(entity string, ledger Ledger) {
	if err := r.Register(entity, ledger); err != nil {
		panic(err)
	}
}

// Lookup returns the ledger of entity, or an error matching ErrNotTracked.
func (r *Registry) Lookup(entity string) (Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ledger, ok := r.ledgers[entity]
	if !ok {
		return Ledger{}, errors.Wrapf(ErrNotTracked, "entity %q", entity)
	}
	return ledger, nil
}

// Entities lists registered entity names in sorted order.
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ledgers))
	for name := range r.ledgers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
