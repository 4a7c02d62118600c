package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.BlobStore.Kind)
	assert.Equal(t, uint64(100), cfg.FastForward.MinCommits)
	assert.Equal(t, time.Hour, cfg.FastForward.MaxCheckpointAge)
	assert.Equal(t, 3, cfg.Compaction.MinCompactionSegments)
	assert.Equal(t, "index.lifecycle", cfg.Kafka.Topics.IndexLifecycle)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	yamlDoc := `
storage:
  inMemory: true
blobStore:
  kind: memory
compaction:
  minCompactionSegments: 5
  smallSegmentThresholdBytes: 1024
  maxSegmentSizeBytes: 4096
fastForward:
  minCommits: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("SP_FASTFORWARD_MAX_CHECKPOINT_AGE", "90s")
	t.Setenv("SP_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, "memory", cfg.BlobStore.Kind)
	assert.Equal(t, 5, cfg.Compaction.MinCompactionSegments)
	assert.Equal(t, uint64(4096), cfg.Compaction.MaxSegmentSizeBytes)
	assert.Equal(t, uint64(10), cfg.FastForward.MinCommits)
	assert.Equal(t, 90*time.Second, cfg.FastForward.MaxCheckpointAge)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	// Untouched sections keep their defaults.
	assert.Equal(t, 500, cfg.Backfill.PageSize)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.BlobStore.Kind = "gcs"
	assert.ErrorContains(t, cfg.Validate(), "unknown blob store kind")

	cfg = Default()
	cfg.Compaction.SmallSegmentThresholdBytes = cfg.Compaction.MaxSegmentSizeBytes + 1
	assert.ErrorContains(t, cfg.Validate(), "exceeds maxSegmentSizeBytes")

	cfg = Default()
	cfg.Storage.Dir = ""
	assert.ErrorContains(t, cfg.Validate(), "storage.dir")
	cfg.Storage.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "idx", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=idx sslmode=disable", p.DSN())
}
