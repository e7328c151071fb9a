package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/adsabs/orcid-claims/pkg/models"
)

// RecordStore provides record-related database operations.
type RecordStore struct {
	db *gorm.DB
}

// NewRecordStore creates a new record store.
func NewRecordStore(store *Store) *RecordStore {
	return &RecordStore{db: store.DB}
}

// GetRecord returns the stored record, or nil when the bibcode is
// unknown.
func (s *RecordStore) GetRecord(ctx context.Context, bibcode string) (*models.Record, error) {
	var row Record
	err := s.db.WithContext(ctx).Where("bibcode = ?", bibcode).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelRecord(&row), nil
}

// RetrieveRecord loads the record, creating it with claim arrays sized
// to the author list when it does not exist yet. Concurrent creators
// race safely on the unique bibcode index.
func (s *RecordStore) RetrieveRecord(ctx context.Context, bibcode string, authors []string) (*models.Record, error) {
	var out *models.Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Record{
			Bibcode: bibcode,
			Claims:  models.EmptyRecordClaims(len(authors)),
			Authors: authors,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bibcode"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Where("bibcode = ?", bibcode).First(&row).Error; err != nil {
				return err
			}
		}
		out = toModelRecord(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveRecordClaims stores the claim arrays and the author list they
// are aligned to, creating the row when needed. created is preserved,
// updated bumps.
func (s *RecordStore) SaveRecordClaims(ctx context.Context, bibcode string, claims models.RecordClaims, authors []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Record
		err := tx.Where("bibcode = ?", bibcode).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			row = Record{Bibcode: bibcode, Claims: claims, Authors: authors}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		row.Claims = claims
		row.Authors = authors
		return tx.Save(&row).Error
	})
}

// MarkProcessed stamps the record as consumed downstream. The update
// timestamp is left alone so maintenance sweeps keyed on it do not
// pick the record up again.
func (s *RecordStore) MarkProcessed(ctx context.Context, bibcode string) error {
	res := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("bibcode = ?", bibcode).
		UpdateColumn("processed", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record %s not found", bibcode)
	}
	return nil
}

// RecordsUpdatedSince returns records updated at or after since,
// ascending by update time.
func (s *RecordStore) RecordsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]models.Record, error) {
	q := s.db.WithContext(ctx).
		Where("updated_at >= ?", since).
		Order("updated_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Record
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Record, len(rows))
	for i := range rows {
		out[i] = *toModelRecord(&rows[i])
	}
	return out, nil
}
