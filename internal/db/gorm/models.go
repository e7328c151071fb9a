package gorm

import (
	"database/sql"
	"time"

	"github.com/adsabs/orcid-claims/pkg/models"
)

// GORM models. JSON column types (AuthorFacts, RecordClaims,
// StringList) come from pkg/models and implement sql.Scanner and
// driver.Valuer.

// Author is one row per ORCID iD with the harvested name facts.
type Author struct {
	ID        int64              `gorm:"primaryKey;autoIncrement"`
	Orcidid   string             `gorm:"uniqueIndex;not null"`
	Name      sql.NullString     `gorm:"type:text"`
	Facts     models.AuthorFacts `gorm:"type:text"`
	Status    sql.NullString     `gorm:"type:text;check:status IN ('blacklisted', 'postponed')"`
	AccountID sql.NullInt64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Author) TableName() string { return "authors" }

// Claim is one row of the append-only claims history. Snapshot marker
// rows carry an empty bibcode.
type Claim struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	Orcidid    string         `gorm:"index:idx_claims_orcidid;not null"`
	Bibcode    string         `gorm:"index:idx_claims_bibcode"`
	Status     string         `gorm:"type:text;check:status IN ('claimed', 'updated', 'removed', 'unchanged', '#full-import', 'forced');not null"`
	Provenance sql.NullString `gorm:"type:text"`
	CreatedAt  time.Time      `gorm:"index:idx_claims_created"`
}

func (Claim) TableName() string { return "claims" }

// Record holds a bibliographic record's claim arrays and the author
// list they are aligned to.
type Record struct {
	ID        int64               `gorm:"primaryKey;autoIncrement"`
	Bibcode   string              `gorm:"uniqueIndex;not null"`
	Claims    models.RecordClaims `gorm:"type:text"`
	Authors   models.StringList   `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index:idx_records_updated"`
	Processed sql.NullTime
}

func (Record) TableName() string { return "records" }

// ChangeLog is the audit trail. Author updates write keys of the form
// "{orcidid}:update:{field}" with JSON-encoded old and new values.
type ChangeLog struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	Key       string         `gorm:"column:key;index:idx_change_log_key;not null"`
	OldValue  sql.NullString `gorm:"column:oldvalue;type:text"`
	NewValue  sql.NullString `gorm:"column:newvalue;type:text"`
	CreatedAt time.Time
}

func (ChangeLog) TableName() string { return "change_log" }

// KeyValue is the storage table holding the pipeline checkpoints.
type KeyValue struct {
	Key       string         `gorm:"primaryKey;type:text"`
	Value     sql.NullString `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (KeyValue) TableName() string { return "storage" }

func toModelAuthor(row *Author) *models.Author {
	return &models.Author{
		ID:        row.ID,
		Orcidid:   row.Orcidid,
		Name:      row.Name.String,
		Facts:     row.Facts,
		Status:    models.AuthorStatus(row.Status.String),
		AccountID: row.AccountID.Int64,
		Created:   row.CreatedAt,
		Updated:   row.UpdatedAt,
	}
}

func toModelClaim(row *Claim) *models.Claim {
	return &models.Claim{
		ID:         row.ID,
		Orcidid:    row.Orcidid,
		Bibcode:    row.Bibcode,
		Status:     models.ClaimStatus(row.Status),
		Provenance: row.Provenance.String,
		Created:    row.CreatedAt,
	}
}

func claimRow(c models.Claim) Claim {
	row := Claim{
		Orcidid:   c.Orcidid,
		Bibcode:   c.Bibcode,
		Status:    string(c.Status),
		CreatedAt: c.Created,
	}
	if c.Provenance != "" {
		row.Provenance = sql.NullString{String: c.Provenance, Valid: true}
	}
	return row
}

func toModelRecord(row *Record) *models.Record {
	rec := &models.Record{
		ID:      row.ID,
		Bibcode: row.Bibcode,
		Claims:  row.Claims,
		Authors: row.Authors,
		Created: row.CreatedAt,
		Updated: row.UpdatedAt,
	}
	if row.Processed.Valid {
		t := row.Processed.Time
		rec.Processed = &t
	}
	return rec
}

func toModelKeyValue(row *KeyValue) models.KeyValue {
	return models.KeyValue{
		Key:     row.Key,
		Value:   row.Value.String,
		Created: row.CreatedAt,
		Updated: row.UpdatedAt,
	}
}
