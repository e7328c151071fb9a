package gorm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/orcid-claims/pkg/models"
)

const sternOrcid = "0000-0003-2686-9241"

func sternFacts() models.AuthorFacts {
	return models.AuthorFacts{
		Name:      "Stern, D",
		OrcidName: []string{"Stern, Daniel"},
		Author:    []string{"Stern, D", "Stern, D K", "Stern, Daniel"},
	}
}

func TestUpdateAuthorCreates(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	author, err := d.UpdateAuthor(ctx, sternOrcid, sternFacts(), false)
	require.NoError(t, err)
	assert.NotZero(t, author.ID)
	assert.Equal(t, sternOrcid, author.Orcidid)
	assert.Equal(t, "Stern, D", author.Name)
	assert.Equal(t, sternFacts(), author.Facts)
	assert.Zero(t, author.AccountID)
	assert.False(t, author.Blocked())

	// One audit row per harvested field, keyed by field name.
	entries, err := d.ChangeLogForKey(ctx, sternOrcid)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, sternOrcid+":update:author", entries[0].Key)
	assert.Equal(t, "null", entries[0].OldValue)
	assert.Equal(t, `["Stern, D","Stern, D K","Stern, Daniel"]`, entries[0].NewValue)
	assert.Equal(t, sternOrcid+":update:name", entries[1].Key)
	assert.Equal(t, `"Stern, D"`, entries[1].NewValue)
	assert.Equal(t, sternOrcid+":update:orcid_name", entries[2].Key)
}

func TestUpdateAuthorDiffsChangedFields(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.UpdateAuthor(ctx, sternOrcid, sternFacts(), false)
	require.NoError(t, err)

	// Same facts again: nothing changed, no new audit rows.
	_, err = d.UpdateAuthor(ctx, sternOrcid, sternFacts(), false)
	require.NoError(t, err)
	entries, err := d.ChangeLogForKey(ctx, sternOrcid)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Changing one list and adding another yields exactly two rows.
	facts := sternFacts()
	facts.Author = append(facts.Author, "Stern, Daniel K")
	facts.ShortName = []string{"Stern, D"}
	_, err = d.UpdateAuthor(ctx, sternOrcid, facts, false)
	require.NoError(t, err)

	entries, err = d.ChangeLogForKey(ctx, sternOrcid)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, sternOrcid+":update:author", entries[3].Key)
	assert.Equal(t, `["Stern, D","Stern, D K","Stern, Daniel"]`, entries[3].OldValue)
	assert.Equal(t, `["Stern, D","Stern, D K","Stern, Daniel","Stern, Daniel K"]`, entries[3].NewValue)
	assert.Equal(t, sternOrcid+":update:short_name", entries[4].Key)
	assert.Equal(t, "null", entries[4].OldValue)
}

func TestUpdateAuthorAuthorized(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	author, err := d.UpdateAuthor(ctx, sternOrcid, sternFacts(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), author.AccountID)

	// A later public-only fetch clears the account id again.
	author, err = d.UpdateAuthor(ctx, sternOrcid, sternFacts(), false)
	require.NoError(t, err)
	assert.Zero(t, author.AccountID)
}

func TestGetAuthorMissing(t *testing.T) {
	d := newTestDB(t)

	author, err := d.GetAuthor(context.Background(), "0000-0000-0000-0000")
	require.NoError(t, err)
	assert.Nil(t, author)
}

func TestAuthorStatusSurvivesUpdate(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.UpdateAuthor(ctx, sternOrcid, sternFacts(), false)
	require.NoError(t, err)

	// Operators flag authors directly in the table.
	err = d.store.DB.Model(&Author{}).
		Where("orcidid = ?", sternOrcid).
		Update("status", string(models.AuthorBlacklisted)).Error
	require.NoError(t, err)

	_, err = d.UpdateAuthor(ctx, sternOrcid, sternFacts(), true)
	require.NoError(t, err)

	author, err := d.GetAuthor(ctx, sternOrcid)
	require.NoError(t, err)
	require.NotNil(t, author)
	assert.Equal(t, models.AuthorBlacklisted, author.Status)
	assert.True(t, author.Blocked())
}
