package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/orcid-claims/internal/db"
	"github.com/adsabs/orcid-claims/pkg/models"
)

type fakeCounter struct {
	counts  map[string]int
	failing map[string]error
	queries []string
}

func (f *fakeCounter) Count(_ context.Context, query string) (int, error) {
	f.queries = append(f.queries, query)
	if err, ok := f.failing[query]; ok {
		return 0, err
	}
	return f.counts[query], nil
}

type fakeClaims struct {
	rows  []db.StatusCount
	err   error
	since time.Time
}

func (f *fakeClaims) ClaimCounts(_ context.Context, since time.Time) ([]db.StatusCount, error) {
	f.since = since
	return f.rows, f.err
}

func TestClaimedRecordsCountsEveryFacet(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{
		`orcid_pub:"000000*"`:   120,
		`orcid_user:"000000*"`:  45,
		`orcid_other:"000000*"`: 7,
	}}
	r := New(counter, &fakeClaims{})

	got, err := r.ClaimedRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []IndexCounts{
		{Field: "orcid_pub", Records: 120},
		{Field: "orcid_user", Records: 45},
		{Field: "orcid_other", Records: 7},
	}, got)
}

func TestClaimedRecordsPartialFailure(t *testing.T) {
	counter := &fakeCounter{
		counts:  map[string]int{`orcid_pub:"000000*"`: 3, `orcid_other:"000000*"`: 1},
		failing: map[string]error{`orcid_user:"000000*"`: errors.New("index down")},
	}
	r := New(counter, &fakeClaims{})

	got, err := r.ClaimedRecords(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orcid_user")
	// The failing facet is skipped, the others still report.
	assert.Equal(t, []IndexCounts{
		{Field: "orcid_pub", Records: 3},
		{Field: "orcid_other", Records: 1},
	}, got)
}

func TestNumClaimsWindow(t *testing.T) {
	claims := &fakeClaims{rows: []db.StatusCount{
		{Status: models.ClaimClaimed, Orcids: 11, Bibcodes: 40},
		{Status: models.ClaimUnchanged, Orcids: 90, Bibcodes: 900},
	}}
	r := New(&fakeCounter{}, claims)

	got, err := r.NumClaims(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, claims.rows, got)
	assert.WithinDuration(t, time.Now().UTC().Add(-7*24*time.Hour), claims.since, 5*time.Second)
}

func TestNumClaimsPropagatesStoreError(t *testing.T) {
	r := New(&fakeCounter{}, &fakeClaims{err: errors.New("db gone")})
	_, err := r.NumClaims(context.Background(), time.Hour)
	require.Error(t, err)
}

func TestCountsBibcodes(t *testing.T) {
	assert.True(t, countsBibcodes(models.ClaimClaimed))
	assert.True(t, countsBibcodes(models.ClaimRemoved))
	assert.True(t, countsBibcodes(models.ClaimUpdated))
	assert.False(t, countsBibcodes(models.ClaimUnchanged))
	assert.False(t, countsBibcodes(models.ClaimFullImport))
}
