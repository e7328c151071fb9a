package updater

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adsabs/orcid-claims/internal/db"
	"github.com/adsabs/orcid-claims/internal/matcher"
	"github.com/adsabs/orcid-claims/pkg/models"
)

// AuthorSource yields the current author facts for an ORCID iD,
// harvesting them when the author is not stored yet.
type AuthorSource interface {
	RetrieveAuthor(ctx context.Context, orcidid string) (*models.Author, error)
}

// Reindexer replays stored claim history onto records, outside of the
// normal queue flow. Used by the reindex and reprocess commands.
type Reindexer struct {
	Authors  AuthorSource
	Claims   db.ClaimReader
	Records  db.RecordStore
	MinRatio float64
	Log      zerolog.Logger
}

// Reindex replays every claim row for the iD created after since.
// Removed bibcodes get the iD scrubbed, live ones get the author's
// current facts re-applied. Returns the bibcodes that changed. With
// ignoreErrors, per-bibcode failures are logged and skipped.
func (rx *Reindexer) Reindex(ctx context.Context, orcidid string, since time.Time, ignoreErrors bool) ([]string, error) {
	author, err := rx.Authors.RetrieveAuthor(ctx, orcidid)
	if err != nil {
		return nil, fmt.Errorf("retrieving author %s: %w", orcidid, err)
	}

	rows, err := rx.Claims.ClaimsForOrcidSince(ctx, orcidid, since)
	if err != nil {
		return nil, fmt.Errorf("loading claims for %s: %w", orcidid, err)
	}
	claimed := make(map[string]struct{})
	removed := make(map[string]struct{})
	for _, row := range rows {
		if row.Status.Live() {
			claimed[row.Bibcode] = struct{}{}
		} else if row.Status == models.ClaimRemoved {
			removed[row.Bibcode] = struct{}{}
		}
	}

	var touched []string

	// Removals first so that a bibcode claimed again after a removal
	// ends up applied, not scrubbed.
	for bibcode := range removed {
		rec, err := rx.Records.GetRecord(ctx, bibcode)
		if err != nil {
			if ignoreErrors {
				rx.Log.Error().Err(err).Str("bibcode", bibcode).Str("orcidid", orcidid).Msg("reindex failed for record")
				continue
			}
			return touched, err
		}
		if rec == nil {
			continue
		}
		if RemoveOrcid(&rec.Claims, orcidid) {
			if err := rx.Records.SaveRecordClaims(ctx, bibcode, rec.Claims, rec.Authors); err != nil {
				if ignoreErrors {
					rx.Log.Error().Err(err).Str("bibcode", bibcode).Str("orcidid", orcidid).Msg("reindex failed for record")
					continue
				}
				return touched, err
			}
			touched = append(touched, bibcode)
		}
	}

	for bibcode := range claimed {
		rec, err := rx.Records.GetRecord(ctx, bibcode)
		if err != nil {
			if ignoreErrors {
				rx.Log.Error().Err(err).Str("bibcode", bibcode).Str("orcidid", orcidid).Msg("reindex failed for record")
				continue
			}
			return touched, err
		}
		if rec == nil {
			continue
		}
		claim := models.ClaimMessage{
			AuthorFacts: author.Facts,
			Bibcode:     bibcode,
			Orcidid:     orcidid,
		}
		if _, ok := ApplyClaim(rec, &claim, rx.minRatio()); ok {
			if err := rx.Records.SaveRecordClaims(ctx, bibcode, rec.Claims, rec.Authors); err != nil {
				if ignoreErrors {
					rx.Log.Error().Err(err).Str("bibcode", bibcode).Str("orcidid", orcidid).Msg("reindex failed for record")
					continue
				}
				return touched, err
			}
			touched = append(touched, bibcode)
		}
	}

	return touched, nil
}

func (rx *Reindexer) minRatio() float64 {
	if rx.MinRatio > 0 {
		return rx.MinRatio
	}
	return matcher.DefaultMinRatio
}
