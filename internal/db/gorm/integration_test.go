package gorm

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/adsabs/orcid-claims/pkg/models"
)

// TestIntegration_Postgres runs the full store cycle against a real
// PostgreSQL instance. Skipped unless ORCID_PIPELINE_TEST_PG_DSN is
// set; identifiers are randomized so reruns against the same database
// do not collide.
func TestIntegration_Postgres(t *testing.T) {
	dsn := os.Getenv("ORCID_PIPELINE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("set ORCID_PIPELINE_TEST_PG_DSN to run PostgreSQL integration tests")
	}

	d, err := New(Config{DSN: dsn, MaxConns: 4, LogLevel: logger.Silent})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	orcid := "0000-0003-" + suffix[:4] + "-" + suffix[4:]
	bibcode := "2015test....." + suffix[:4]

	// Author harvest with audit trail.
	author, err := d.UpdateAuthor(ctx, orcid, models.AuthorFacts{
		Name:   "Integration, T",
		Author: []string{"Integration, T", "Integration, Test"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), author.AccountID)

	entries, err := d.ChangeLogForKey(ctx, orcid)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Claim history.
	claim, err := d.CreateClaim(ctx, models.Claim{
		Orcidid: orcid,
		Bibcode: bibcode,
		Status:  models.ClaimClaimed,
	}, false)
	require.NoError(t, err)
	assert.NotZero(t, claim.ID)

	history, err := d.ClaimsForOrcidSince(ctx, orcid, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Record claim arrays.
	_, err = d.RetrieveRecord(ctx, bibcode, []string{"Integration, T", "Other, A"})
	require.NoError(t, err)
	require.NoError(t, d.SaveRecordClaims(ctx, bibcode, models.RecordClaims{
		Verified:   []string{orcid, "-"},
		Unverified: []string{"-", "-"},
	}, []string{"Integration, T", "Other, A"}))
	require.NoError(t, d.MarkProcessed(ctx, bibcode))

	rec, err := d.GetRecord(ctx, bibcode)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, orcid, rec.Claims.Verified[0])
	assert.NotNil(t, rec.Processed)

	// Checkpoints.
	key := "test." + suffix
	require.NoError(t, d.PutKV(ctx, key, models.EpochSentinel))
	value, found, err := d.GetKV(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.EpochSentinel, value)

	// Pool health under the PostgreSQL driver.
	info := d.Store().HealthCheckForce(ctx)
	assert.NotEqual(t, "unhealthy", info.Status)
}
