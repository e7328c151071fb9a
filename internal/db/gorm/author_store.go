package gorm

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/adsabs/orcid-claims/pkg/models"
)

// AuthorStore provides author-related database operations.
type AuthorStore struct {
	db *gorm.DB
}

// NewAuthorStore creates a new author store.
func NewAuthorStore(store *Store) *AuthorStore {
	return &AuthorStore{db: store.DB}
}

// GetAuthor returns the stored author, or nil when the ORCID iD is
// unknown.
func (s *AuthorStore) GetAuthor(ctx context.Context, orcidid string) (*models.Author, error) {
	var row Author
	err := s.db.WithContext(ctx).Where("orcidid = ?", orcidid).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelAuthor(&row), nil
}

// UpdateAuthor replaces the stored facts wholesale, creating the row
// on first sight. Every fact field whose JSON value changed gets one
// change_log row keyed "{orcidid}:update:{field}". authorized means
// the profile came back with member credentials and sets the account
// id; the operator-set status flag is never touched here.
func (s *AuthorStore) UpdateAuthor(ctx context.Context, orcidid string, facts models.AuthorFacts, authorized bool) (*models.Author, error) {
	var out *models.Author
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Author
		err := tx.Where("orcidid = ?", orcidid).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			row = Author{Orcidid: orcidid}
		} else if err != nil {
			return err
		}

		changes, err := factDiff(row.Facts, facts)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, ch := range changes {
			entry := ChangeLog{
				Key:       fmt.Sprintf("%s:update:%s", orcidid, ch.field),
				OldValue:  sql.NullString{String: ch.oldVal, Valid: true},
				NewValue:  sql.NullString{String: ch.newVal, Valid: true},
				CreatedAt: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("write change_log: %w", err)
			}
		}

		row.Facts = facts
		if facts.Name != "" {
			row.Name = sql.NullString{String: facts.Name, Valid: true}
		}
		if authorized {
			row.AccountID = sql.NullInt64{Int64: 1, Valid: true}
		} else {
			row.AccountID = sql.NullInt64{}
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = toModelAuthor(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeLogForKey returns the audit rows whose key equals key or, for
// prefix queries such as a bare ORCID iD, starts with key followed by
// a colon.
func (s *AuthorStore) ChangeLogForKey(ctx context.Context, key string) ([]models.ChangeLogEntry, error) {
	var rows []ChangeLog
	err := s.db.WithContext(ctx).
		Where("key = ? OR key LIKE ?", key, key+":%").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.ChangeLogEntry, len(rows))
	for i, row := range rows {
		out[i] = models.ChangeLogEntry{
			ID:       row.ID,
			Key:      row.Key,
			OldValue: row.OldValue.String,
			NewValue: row.NewValue.String,
			Created:  row.CreatedAt,
		}
	}
	return out, nil
}

type factChange struct {
	field  string
	oldVal string
	newVal string
}

// factDiff lists the fields present in the new facts whose JSON value
// differs from the stored one. Only present keys count; a key the new
// facts dropped produces no row. A field the old facts lacked diffs
// against "null".
func factDiff(oldFacts, newFacts models.AuthorFacts) ([]factChange, error) {
	oldMap, err := factMap(oldFacts)
	if err != nil {
		return nil, err
	}
	newMap, err := factMap(newFacts)
	if err != nil {
		return nil, err
	}

	var changes []factChange
	for field, newRaw := range newMap {
		oldRaw, ok := oldMap[field]
		if ok && bytes.Equal(oldRaw, newRaw) {
			continue
		}
		oldVal := "null"
		if ok {
			oldVal = string(oldRaw)
		}
		changes = append(changes, factChange{field: field, oldVal: oldVal, newVal: string(newRaw)})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].field < changes[j].field })
	return changes, nil
}

func factMap(f models.AuthorFacts) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
