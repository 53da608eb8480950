package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
kafka:
  brokers:
    - "localhost:9092"
  topic: "datum-ingest"
postgres:
  dsn: "postgres://localhost/datumagg"
`

func TestLoad(t *testing.T) {
	t.Run("minimal config with defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig))
		require.NoError(t, err)

		assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, "datum-ingest", cfg.Kafka.Topic)
		assert.Equal(t, defaultKafkaGroupID, cfg.Kafka.GroupID)
		assert.Equal(t, defaultTablePrefix, cfg.Postgres.TablePrefix)
		assert.Equal(t, defaultStaleInterval, cfg.Engine.StaleInterval)
		assert.Equal(t, defaultStaleBatchSize, cfg.Engine.StaleBatchSize)
		assert.Equal(t, defaultLogLevel, cfg.Log.Level)
	})

	t.Run("explicit values override defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig+`
engine:
  staleInterval: 5s
  staleBatchSize: 7
log:
  level: debug
`))
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.Engine.StaleInterval)
		assert.Equal(t, 7, cfg.Engine.StaleBatchSize)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("missing brokers", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
kafka:
  topic: "datum-ingest"
postgres:
  dsn: "postgres://localhost/datumagg"
`))
		assert.ErrorIs(t, err, ErrEmptyKafkaBrokers)
	})

	t.Run("missing topic", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
kafka:
  brokers: ["localhost:9092"]
postgres:
  dsn: "postgres://localhost/datumagg"
`))
		assert.ErrorIs(t, err, ErrEmptyKafkaTopic)
	})

	t.Run("missing postgres dsn", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
kafka:
  brokers: ["localhost:9092"]
  topic: "datum-ingest"
`))
		assert.ErrorIs(t, err, ErrEmptyPostgresDSN)
	})

	t.Run("invalid stale interval", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
engine:
  staleInterval: 0s
`))
		assert.ErrorIs(t, err, ErrInvalidStaleInterval)
	})
}
