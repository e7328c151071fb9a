package gorm

import (
	"context"
	"errors"

	"github.com/adsabs/orcid-claims/internal/db"
)

// DB bundles the per-entity stores into the db.Database surface.
type DB struct {
	*AuthorStore
	*ClaimStore
	*RecordStore
	*KVStore

	store *Store
}

var _ db.Database = (*DB)(nil)

// New opens the database and wires up all stores.
func New(cfg Config) (*DB, error) {
	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	return &DB{
		AuthorStore: NewAuthorStore(store),
		ClaimStore:  NewClaimStore(store),
		RecordStore: NewRecordStore(store),
		KVStore:     NewKVStore(store),
		store:       store,
	}, nil
}

// Store exposes the underlying connection for ops endpoints that want
// the rich health and pool metrics view.
func (d *DB) Store() *Store {
	return d.store
}

func (d *DB) HealthCheck(ctx context.Context) error {
	info := d.store.HealthCheck(ctx)
	if info.Status == "unhealthy" {
		return errors.New(info.Error)
	}
	return nil
}

func (d *DB) Close() error {
	return d.store.Close()
}
