package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/orcid-claims/pkg/models"
)

type fakeAuthors struct {
	author *models.Author
}

func (f *fakeAuthors) RetrieveAuthor(_ context.Context, _ string) (*models.Author, error) {
	return f.author, nil
}

type fakeClaims struct {
	rows []models.Claim
}

func (f *fakeClaims) ClaimsForOrcid(_ context.Context, _ string) ([]models.Claim, error) {
	return f.rows, nil
}

func (f *fakeClaims) ClaimsForOrcidSince(_ context.Context, _ string, since time.Time) ([]models.Claim, error) {
	var out []models.Claim
	for _, r := range f.rows {
		if r.Created.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeClaims) OrcidsSince(_ context.Context, _ time.Time) ([]string, error) {
	return nil, nil
}

type fakeRecords struct {
	recs    map[string]*models.Record
	failGet map[string]error
}

func (f *fakeRecords) GetRecord(_ context.Context, bibcode string) (*models.Record, error) {
	if err := f.failGet[bibcode]; err != nil {
		return nil, err
	}
	return f.recs[bibcode], nil
}

func (f *fakeRecords) RecordsUpdatedSince(_ context.Context, _ time.Time, _ int) ([]models.Record, error) {
	return nil, nil
}

func (f *fakeRecords) RetrieveRecord(_ context.Context, bibcode string, authors []string) (*models.Record, error) {
	if r, ok := f.recs[bibcode]; ok {
		return r, nil
	}
	r := &models.Record{Bibcode: bibcode, Authors: authors, Claims: models.EmptyRecordClaims(len(authors))}
	f.recs[bibcode] = r
	return r, nil
}

func (f *fakeRecords) SaveRecordClaims(_ context.Context, bibcode string, claims models.RecordClaims, authors []string) error {
	f.recs[bibcode] = &models.Record{Bibcode: bibcode, Claims: claims, Authors: authors, Updated: time.Now()}
	return nil
}

func (f *fakeRecords) MarkProcessed(_ context.Context, _ string) error { return nil }

func TestReindex(t *testing.T) {
	now := time.Now()
	authors := &fakeAuthors{author: &models.Author{
		Orcidid: sternID,
		Facts: models.AuthorFacts{
			Name:      "Stern, D",
			OrcidName: []string{"Stern, Daniel"},
			Author:    []string{"Stern, D", "Stern, Daniel"},
		},
	}}
	claims := &fakeClaims{rows: []models.Claim{
		{Orcidid: sternID, Bibcode: "bib1", Status: models.ClaimClaimed, Created: now},
		{Orcidid: sternID, Bibcode: "bib2", Status: models.ClaimRemoved, Created: now},
		{Orcidid: sternID, Bibcode: "ancient", Status: models.ClaimClaimed, Created: now.Add(-48 * time.Hour)},
	}}
	records := &fakeRecords{recs: map[string]*models.Record{
		"bib1": {
			Bibcode: "bib1",
			Authors: models.StringList{"Wang, J", "Stern, Daniel"},
			Claims:  models.EmptyRecordClaims(2),
		},
		"bib2": {
			Bibcode: "bib2",
			Authors: models.StringList{"Stern, Daniel"},
			Claims:  models.RecordClaims{Verified: []string{sternID}, Unverified: []string{"-"}},
		},
	}}

	rx := &Reindexer{Authors: authors, Claims: claims, Records: records}
	touched, err := rx.Reindex(context.Background(), sternID, now.Add(-time.Hour), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bib1", "bib2"}, touched)

	// bib1 picked up the claim in the unverified bucket: history rows
	// replayed through facts carry no account id
	assert.Equal(t, []string{"-", sternID}, []string(records.recs["bib1"].Claims.Unverified))
	// bib2 was scrubbed
	assert.Equal(t, []string{"-"}, []string(records.recs["bib2"].Claims.Verified))
	// the ancient claim predates the checkpoint and was ignored
	assert.NotContains(t, touched, "ancient")
}

func TestReindex_IgnoreErrorsCoversRecordFetch(t *testing.T) {
	now := time.Now()
	authors := &fakeAuthors{author: &models.Author{
		Orcidid: sternID,
		Facts:   models.AuthorFacts{Author: []string{"Stern, Daniel"}},
	}}
	claims := &fakeClaims{rows: []models.Claim{
		{Orcidid: sternID, Bibcode: "bib1", Status: models.ClaimClaimed, Created: now},
		{Orcidid: sternID, Bibcode: "broken", Status: models.ClaimClaimed, Created: now},
		{Orcidid: sternID, Bibcode: "gone", Status: models.ClaimRemoved, Created: now},
	}}
	newRecords := func() *fakeRecords {
		return &fakeRecords{
			recs: map[string]*models.Record{
				"bib1": {
					Bibcode: "bib1",
					Authors: models.StringList{"Stern, Daniel"},
					Claims:  models.EmptyRecordClaims(1),
				},
			},
			failGet: map[string]error{
				"broken": errors.New("record fetch failed"),
				"gone":   errors.New("record fetch failed"),
			},
		}
	}

	// Without the flag the first failing fetch aborts the replay.
	rx := &Reindexer{Authors: authors, Claims: claims, Records: newRecords()}
	_, err := rx.Reindex(context.Background(), sternID, time.Time{}, false)
	require.Error(t, err)

	// With it the failing bibcodes are skipped and the rest applies.
	rx = &Reindexer{Authors: authors, Claims: claims, Records: newRecords()}
	touched, err := rx.Reindex(context.Background(), sternID, time.Time{}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"bib1"}, touched)
}

func TestReindex_MissingRecordsSkipped(t *testing.T) {
	authors := &fakeAuthors{author: &models.Author{Orcidid: sternID}}
	claims := &fakeClaims{rows: []models.Claim{
		{Orcidid: sternID, Bibcode: "ghost", Status: models.ClaimClaimed, Created: time.Now()},
	}}
	records := &fakeRecords{recs: map[string]*models.Record{}}

	rx := &Reindexer{Authors: authors, Claims: claims, Records: records}
	touched, err := rx.Reindex(context.Background(), sternID, time.Time{}, false)
	require.NoError(t, err)
	assert.Empty(t, touched)
}
