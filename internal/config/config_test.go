package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithMemoryStore(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_DATABASE_URL", "")
	t.Setenv("LEDGER_ALLOW_MEMORY_STORE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, 30*24*time.Hour, cfg.AttributionTTL)
	assert.Equal(t, "affiliate_ref", cfg.CookieName)
	assert.Equal(t, "agent-system", cfg.AuthIssuer)
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_DATABASE_URL", "")
	t.Setenv("LEDGER_ALLOW_MEMORY_STORE", "false")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	body := `
service:
  addr: ":9000"
  environment: staging
attribution:
  ttl_hours: 48
kafka:
  brokers: ["k1:9092", "k2:9092"]
relay:
  batch_size: 25
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("LEDGER_CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("LEDGER_ADDR", ":9100")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr, "env wins over file")
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 48*time.Hour, cfg.AttributionTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 25, cfg.RelayBatchSize)
	assert.True(t, cfg.KafkaEnabled())
}

func TestValidateProductionNeedsKeys(t *testing.T) {
	cfg := defaults()
	cfg.Environment = "production"
	cfg.DatabaseURL = "postgres://x"
	require.Error(t, cfg.Validate())

	cfg.SignerKeyB64 = "c2VlZA=="
	cfg.AuthJWTSecret = "secret"
	require.NoError(t, cfg.Validate())

	cfg.AllowMemoryStore = true
	require.Error(t, cfg.Validate())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}

func TestLoadSeedAgents(t *testing.T) {
	t.Setenv("LEDGER_ALLOW_MEMORY_STORE", "true")
	t.Setenv("LEDGER_SEED_AGENTS", "agent-1:JANE10, agent-2:BOB15:0.15")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1:JANE10", "agent-2:BOB15:0.15"}, cfg.SeedAgents)
}
