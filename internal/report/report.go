// Package report runs the operator reports: claimed-record counts from
// the search index and per-status claim counts from the history table.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adsabs/orcid-claims/internal/db"
	"github.com/adsabs/orcid-claims/pkg/models"
)

// orcidWild matches any claimed slot in the index facets; the first
// seven digits of every ORCID iD are zero padding.
const orcidWild = `000000*`

// IndexFields are the per-provenance ORCID facets kept on indexed
// records.
var IndexFields = []string{"orcid_pub", "orcid_user", "orcid_other"}

// Counter is the search-index surface the report needs.
type Counter interface {
	Count(ctx context.Context, query string) (int, error)
}

// IndexCounts holds the number of indexed records carrying at least
// one claim, per facet.
type IndexCounts struct {
	Field   string `json:"field"`
	Records int    `json:"records"`
}

// Report aggregates the claim statistics an operator asks for.
type Report struct {
	Index  Counter
	Claims db.Reporter
	Log    zerolog.Logger
}

// New builds a report over the search index and the claim history.
func New(index Counter, claims db.Reporter) *Report {
	return &Report{
		Index:  index,
		Claims: claims,
		Log:    log.With().Str("component", "report").Logger(),
	}
}

// ClaimedRecords counts the indexed records with any ORCID claim, per
// facet. Failures on one facet do not stop the others; the error of
// the first failing facet is returned alongside the partial counts.
func (r *Report) ClaimedRecords(ctx context.Context) ([]IndexCounts, error) {
	var (
		out      []IndexCounts
		firstErr error
	)
	for _, field := range IndexFields {
		n, err := r.Index.Count(ctx, fmt.Sprintf("%s:%q", field, orcidWild))
		if err != nil {
			r.Log.Warn().Err(err).Str("field", field).Msg("index count failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("counting %s: %w", field, err)
			}
			continue
		}
		r.Log.Info().Str("field", field).Int("records", n).Msg("records with claims")
		out = append(out, IndexCounts{Field: field, Records: n})
	}
	return out, firstErr
}

// NumClaims returns the per-status claim counts over the trailing
// window. Distinct ORCID iDs count for every status; distinct bibcodes
// only mean something for the statuses that move records.
func (r *Report) NumClaims(ctx context.Context, window time.Duration) ([]db.StatusCount, error) {
	since := time.Now().UTC().Add(-window)
	rows, err := r.Claims.ClaimCounts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("counting claims since %s: %w", since.Format(time.RFC3339), err)
	}
	for _, row := range rows {
		evt := r.Log.Info().
			Str("status", string(row.Status)).
			Dur("window", window).
			Int64("orcids", row.Orcids)
		if countsBibcodes(row.Status) {
			evt = evt.Int64("bibcodes", row.Bibcodes)
		}
		evt.Msg("claims in window")
	}
	return rows, nil
}

// countsBibcodes reports whether the distinct-bibcode column is
// meaningful for a status. Sentinels and no-ops touch no record.
func countsBibcodes(s models.ClaimStatus) bool {
	return s == models.ClaimClaimed || s == models.ClaimRemoved || s == models.ClaimUpdated
}
