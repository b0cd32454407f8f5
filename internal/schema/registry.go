package schema

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownDataset is returned when no contract is registered for a dataset.
var ErrUnknownDataset = errors.New("unknown dataset")

// Registry holds the dataset contracts. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

// NewRegistry creates a registry pre-loaded with the built-in supply-chain
// contracts.
func NewRegistry() *Registry {
	r := &Registry{contracts: make(map[string]Contract)}
	for _, c := range builtinContracts() {
		r.contracts[c.Dataset] = c
	}
	return r
}

// Contract returns the contract for a dataset.
func (r *Registry) Contract(dataset string) (Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[dataset]
	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrUnknownDataset, dataset)
	}
	return c, nil
}

// Register adds or replaces a contract. The contract must name a dataset,
// declare at least one column, and fact contracts must declare a business key.
func (r *Registry) Register(c Contract) error {
	if c.Dataset == "" {
		return errors.New("contract has no dataset name")
	}
	if len(c.Columns) == 0 {
		return fmt.Errorf("contract %s has no columns", c.Dataset)
	}
	if len(c.BusinessKey()) == 0 {
		return fmt.Errorf("contract %s has no business key", c.Dataset)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[c.Dataset] = c
	return nil
}

// Datasets returns the registered dataset names matching the given kind,
// or all when kind is empty.
func (r *Registry) Datasets(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, c := range r.contracts {
		if kind == "" || c.Kind == kind {
			out = append(out, name)
		}
	}
	return out
}
