package sqlite

import (
	"github.com/thebtf/taxon/internal/db"
)

// DB bundles the SQLite store with every entity store so callers get one
// handle implementing db.Database.
type DB struct {
	*Store
	*PromptStore
	*FamilyStore
	*AssignmentStore
	*RunStore
	*RegistryStore
	*LineageStore
}

// Open opens the SQLite database, runs migrations and returns the full
// database handle.
func Open(cfg StoreConfig) (*DB, error) {
	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}

	return &DB{
		Store:           store,
		PromptStore:     NewPromptStore(store),
		FamilyStore:     NewFamilyStore(store),
		AssignmentStore: NewAssignmentStore(store),
		RunStore:        NewRunStore(store),
		RegistryStore:   NewRegistryStore(store),
		LineageStore:    NewLineageStore(store),
	}, nil
}

// Compile-time check: DB must satisfy db.Database.
var _ db.Database = (*DB)(nil)
