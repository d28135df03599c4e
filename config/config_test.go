package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.DriverName())
	assert.Len(t, cfg.EngineOptions(), 4)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
engine:
  max_conflict_retries: 5
  retry_backoff:
    base: 10ms
    max: 1s
store:
  driver: postgres
  dsn: postgres://flow@localhost/flow?sslmode=disable
  message_retention: 50
maintenance:
  idle_timeout: 2h
  expire_schedule: "@every 10m"
logging:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxConflictRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Engine.RetryBackoff.Base)
	assert.Equal(t, time.Second, cfg.Engine.RetryBackoff.Max)
	assert.Equal(t, 2.0, cfg.Engine.RetryBackoff.Factor, "unset values keep defaults")
	assert.Equal(t, 200, cfg.Engine.ReplayThreshold)
	assert.Equal(t, DriverPostgres, cfg.Store.DriverName())
	assert.Equal(t, "flow", cfg.Store.Prefix)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdempotencyTTL)

	jobs := cfg.MaintenanceJobs()
	assert.Equal(t, 2*time.Hour, jobs.IdleFor)
	assert.Equal(t, "@every 10m", jobs.ExpireSchedule)
	assert.Equal(t, "@every 5m", jobs.PruneSchedule)
	assert.Equal(t, 100, jobs.Limit)
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"store": {"driver": "redis", "addr": "localhost:6379"}, "session": {"idempotency_ttl": "1m"}}`))
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Store.DriverName())
	assert.Equal(t, time.Minute, cfg.Session.IdempotencyTTL)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxConflictRetries = -1
	cfg.Engine.MinIntentConfidence = 2
	cfg.Store.Driver = "sqlite"
	cfg.Session.IdempotencyTTL = 0
	cfg.Maintenance.IdleTimeout = 0
	cfg.Maintenance.ExpireSchedule = "@hourly"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"engine.max_conflict_retries",
		"engine.min_intent_confidence",
		"store.dsn required for driver sqlite",
		"session.idempotency_ttl",
		"maintenance.idle_timeout",
		"logging.level",
	} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}

	cfg = Default()
	cfg.Store.Driver = "mongo"
	assert.ErrorContains(t, cfg.Validate(), `store.driver "mongo" not supported`)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: sqlite\n  dsn: file::memory:\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.DriverName())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("store:\n  driver: nope\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parse config")
}
