package stats

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jojq/jojq/jojq-srv/config"
)

func newTestCollector(t *testing.T) *SQLiteCollector {
	t.Helper()
	collector, err := NewSQLiteCollector(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = collector.Close()
	})
	return collector
}

func TestSQLiteCollectorRoundTrip(t *testing.T) {
	ctx := context.Background()
	collector := newTestCollector(t)

	id, err := collector.StartConnection(ctx, "127.0.0.1", "api.example.com", 443, "https")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	require.NoError(t, collector.RecordHTTPRequest(ctx, id, "GET", "https://api.example.com/items", "api.example.com", 0))
	require.NoError(t, collector.RecordHTTPResponse(ctx, id, 200, 42))
	require.NoError(t, collector.RecordCapture(ctx, id, "GET", "https://api.example.com/items", 200, 42))
	require.NoError(t, collector.RecordError(ctx, id, "test_error", "boom"))
	require.NoError(t, collector.EndConnection(ctx, id, 100, 200, "done"))

	summary, err := collector.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalConnections)
	assert.Equal(t, int64(1), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.TotalCaptures)
	assert.Equal(t, int64(1), summary.TotalErrors)
}

func TestSQLiteCollectorHealthCheck(t *testing.T) {
	collector := newTestCollector(t)
	assert.NoError(t, collector.HealthCheck(context.Background()))
}

func TestNewCollectorDisabled(t *testing.T) {
	collector, err := NewCollector(&config.StatisticsConfig{Enabled: false, Backend: "sqlite"})
	require.NoError(t, err)
	_, ok := collector.(*DummyCollector)
	assert.True(t, ok, "disabled statistics must select the dummy collector")
}

func TestNewCollectorSQLite(t *testing.T) {
	collector, err := NewCollector(&config.StatisticsConfig{
		Enabled:    true,
		Backend:    "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "factory.db"),
	})
	require.NoError(t, err)
	defer func() {
		_ = collector.Close()
	}()
	_, ok := collector.(*SQLiteCollector)
	assert.True(t, ok)
}

func TestNewCollectorUnknownBackend(t *testing.T) {
	_, err := NewCollector(&config.StatisticsConfig{Enabled: true, Backend: "etcd"})
	assert.Error(t, err)
}

func TestNewCollectorPostgresRequiresDSN(t *testing.T) {
	_, err := NewCollector(&config.StatisticsConfig{Enabled: true, Backend: "postgres"})
	assert.Error(t, err)
}

func TestDummyCollectorNoOps(t *testing.T) {
	ctx := context.Background()
	d := NewDummyCollector()

	id, err := d.StartConnection(ctx, "127.0.0.1", "example.com", 80, "http")
	assert.NoError(t, err)
	assert.Zero(t, id)
	assert.NoError(t, d.RecordCapture(ctx, 0, "GET", "http://example.com", 200, 0))
	assert.NoError(t, d.HealthCheck(ctx))

	summary, err := d.Summary(ctx)
	assert.NoError(t, err)
	assert.Equal(t, &Summary{}, summary)
	assert.NoError(t, d.Close())
}
