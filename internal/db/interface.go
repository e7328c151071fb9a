// Package db defines the store interfaces the pipeline depends on.
package db

import (
	"context"
	"io"
	"time"

	"github.com/adsabs/orcid-claims/pkg/models"
)

// AuthorReader defines read operations for ORCID authors.
type AuthorReader interface {
	GetAuthor(ctx context.Context, orcidid string) (*models.Author, error)
}

// AuthorWriter defines write operations for ORCID authors.
type AuthorWriter interface {
	// UpdateAuthor replaces the stored facts wholesale, writes one
	// change_log row per changed fact field and bumps the row. A
	// fetch with member credentials sets the account id.
	UpdateAuthor(ctx context.Context, orcidid string, facts models.AuthorFacts, authorized bool) (*models.Author, error)
}

// AuthorStore combines read and write operations for authors.
type AuthorStore interface {
	AuthorReader
	AuthorWriter
}

// ClaimReader defines read operations over the claim history.
type ClaimReader interface {
	// ClaimsForOrcid returns the full history in append order.
	ClaimsForOrcid(ctx context.Context, orcidid string) ([]models.Claim, error)
	// ClaimsForOrcidSince returns history rows created after since.
	ClaimsForOrcidSince(ctx context.Context, orcidid string, since time.Time) ([]models.Claim, error)
	// OrcidsSince lists the distinct ORCID iDs with claim rows
	// created at or after since.
	OrcidsSince(ctx context.Context, since time.Time) ([]string, error)
}

// ClaimWriter defines write operations on the claim history.
type ClaimWriter interface {
	// CreateClaim inserts one history row. Without forceNew, a row
	// with the same orcidid, bibcode and date is returned instead of
	// duplicated.
	CreateClaim(ctx context.Context, claim models.Claim, forceNew bool) (*models.Claim, error)
	// InsertClaims writes a batch atomically and returns the stored rows.
	InsertClaims(ctx context.Context, claims []models.Claim) ([]models.Claim, error)
	// ImportClaims reads TSV lines (bibcode, orcidid, optional
	// provenance, status, date) and inserts them.
	ImportClaims(ctx context.Context, r io.Reader) ([]models.Claim, error)
}

// ClaimStore combines read and write operations for claims.
type ClaimStore interface {
	ClaimReader
	ClaimWriter
}

// RecordReader defines read operations for records.
type RecordReader interface {
	// GetRecord returns the stored record, or nil when absent.
	GetRecord(ctx context.Context, bibcode string) (*models.Record, error)
	// RecordsUpdatedSince returns records updated at or after since,
	// ascending by update time.
	RecordsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]models.Record, error)
}

// RecordWriter defines write operations for records.
type RecordWriter interface {
	// RetrieveRecord loads or transactionally creates the record,
	// initializing the claim arrays to the author-list length.
	RetrieveRecord(ctx context.Context, bibcode string, authors []string) (*models.Record, error)
	// SaveRecordClaims stores new claim and author arrays, preserving
	// created and bumping updated.
	SaveRecordClaims(ctx context.Context, bibcode string, claims models.RecordClaims, authors []string) error
	// MarkProcessed stamps the record as consumed downstream.
	MarkProcessed(ctx context.Context, bibcode string) error
}

// RecordStore combines read and write operations for records.
type RecordStore interface {
	RecordReader
	RecordWriter
}

// KeyValueStore holds the pipeline checkpoints.
type KeyValueStore interface {
	// GetKV returns the stored value; found is false when the key is
	// absent.
	GetKV(ctx context.Context, key string) (value string, found bool, err error)
	// PutKV upserts and commits immediately.
	PutKV(ctx context.Context, key, value string) error
	ListKV(ctx context.Context) ([]models.KeyValue, error)
}

// ChangeLogReader exposes the audit rows for diagnostics.
type ChangeLogReader interface {
	ChangeLogForKey(ctx context.Context, key string) ([]models.ChangeLogEntry, error)
}

// StatusCount is one row of the claim status report.
type StatusCount struct {
	Status   models.ClaimStatus
	Orcids   int64
	Bibcodes int64
}

// Reporter runs the aggregate queries behind the report command.
type Reporter interface {
	// ClaimCounts returns per-status distinct ORCID iD counts for
	// rows created after since; claimed, removed and updated rows
	// also carry distinct bibcode counts.
	ClaimCounts(ctx context.Context, since time.Time) ([]StatusCount, error)
}

// Database aggregates every store the pipeline needs.
type Database interface {
	AuthorStore
	ClaimStore
	RecordStore
	KeyValueStore
	ChangeLogReader
	Reporter

	HealthCheck(ctx context.Context) error
	Close() error
}
