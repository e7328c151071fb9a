package gorm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

// newTestDB opens a throwaway SQLite database for a test.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "claims.db")
	d, err := New(Config{DSN: dsn, LogLevel: logger.Silent})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewStoreRunsMigrations(t *testing.T) {
	d := newTestDB(t)

	for _, table := range []string{"authors", "claims", "records", "change_log", "storage"} {
		assert.True(t, d.store.DB.Migrator().HasTable(table), "missing table %s", table)
	}
}

func TestHealthCheck(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	info := d.store.HealthCheck(ctx)
	assert.NotEqual(t, "unhealthy", info.Status)
	assert.NoError(t, d.HealthCheck(ctx))

	// Within the TTL the cached result comes back unchanged.
	again := d.store.HealthCheck(ctx)
	assert.Equal(t, info.Timestamp, again.Timestamp)

	forced := d.store.HealthCheckForce(ctx)
	assert.True(t, forced.Timestamp.After(info.Timestamp) || forced.Timestamp.Equal(info.Timestamp))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logger.Silent, ParseLogLevel("silent"))
	assert.Equal(t, logger.Error, ParseLogLevel("ERROR"))
	assert.Equal(t, logger.Info, ParseLogLevel("info"))
	assert.Equal(t, logger.Warn, ParseLogLevel("warn"))
	assert.Equal(t, logger.Warn, ParseLogLevel("anything-else"))
}

func TestPoolMetricsSummary(t *testing.T) {
	m := NewPoolMetrics(50)
	for i := 0; i < 25; i++ {
		m.RecordLatency(time.Duration(i+1) * time.Millisecond)
	}

	s := m.Summary()
	assert.Equal(t, int64(25), s.TotalQueries)
	assert.Equal(t, 25, s.SampleCount)
	assert.Equal(t, 1*time.Millisecond, s.MinLatency)
	assert.Equal(t, 25*time.Millisecond, s.MaxLatency)
	assert.Equal(t, 13*time.Millisecond, s.AvgLatency)
	assert.Equal(t, 24*time.Millisecond, s.P95Latency)
}

func TestPoolMetricsWindowWraps(t *testing.T) {
	m := NewPoolMetrics(4)
	for i := 0; i < 10; i++ {
		m.RecordLatency(time.Duration(i+1) * time.Millisecond)
	}

	s := m.Summary()
	assert.Equal(t, int64(10), s.TotalQueries)
	assert.Equal(t, 4, s.SampleCount)
	// Only the last four samples remain in the window.
	assert.Equal(t, 7*time.Millisecond, s.MinLatency)
	assert.Equal(t, 10*time.Millisecond, s.MaxLatency)
}
