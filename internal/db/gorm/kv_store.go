package gorm

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/adsabs/orcid-claims/pkg/models"
)

// KVStore reads and writes the storage table that holds the pipeline
// checkpoints (last.check, last.reindex, last.repush, last.refetch).
type KVStore struct {
	db *gorm.DB
}

// NewKVStore creates a new key-value store.
func NewKVStore(store *Store) *KVStore {
	return &KVStore{db: store.DB}
}

// GetKV returns the stored value; found is false when the key is
// absent.
func (s *KVStore) GetKV(ctx context.Context, key string) (string, bool, error) {
	var row KeyValue
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value.String, true, nil
}

// PutKV upserts the key. Checkpoints must survive a crashed batch, so
// this commits on its own rather than joining a caller transaction.
func (s *KVStore) PutKV(ctx context.Context, key, value string) error {
	row := KeyValue{Key: key, Value: sql.NullString{String: value, Valid: true}}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"value":      value,
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(&row).Error
}

// ListKV returns every checkpoint row, ordered by key.
func (s *KVStore) ListKV(ctx context.Context) ([]models.KeyValue, error) {
	var rows []KeyValue
	err := s.db.WithContext(ctx).Order("key ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.KeyValue, len(rows))
	for i := range rows {
		out[i] = toModelKeyValue(&rows[i])
	}
	return out, nil
}
