package config

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIndexerConfigDefaults(t *testing.T) {
	t.Setenv("SOLANA_RPC_URL", "http://127.0.0.1:8899")

	cfg, err := LoadIndexerConfig()
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8900", cfg.WSURL)
	assert.Equal(t, rpc.CommitmentConfirmed, cfg.Commitment)
	assert.Equal(t, defaultProgramID, cfg.ProgramID)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, uint64(100), cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.MetadataTimeout)
	assert.Equal(t, 300*time.Second, cfg.MetadataCacheTTL)
	assert.Equal(t, DBDriverPostgres, cfg.DBDriver)
	assert.True(t, cfg.EnablePoller)
	assert.True(t, cfg.EnableListener)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadIndexerConfigOverrides(t *testing.T) {
	t.Setenv("SOLANA_RPC_URL", "https://api.devnet.solana.com")
	t.Setenv("SOLANA_COMMITMENT", "finalized")
	t.Setenv("INDEXER_DB_DRIVER", "SQLite")
	t.Setenv("INDEXER_BATCH_SIZE", "25")
	t.Setenv("INDEXER_ENABLE_LISTENER", "false")
	t.Setenv("MARKETPLACE_PROGRAM_ID", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	cfg, err := LoadIndexerConfig()
	require.NoError(t, err)
	assert.Equal(t, "wss://api.devnet.solana.com", cfg.WSURL)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Commitment)
	assert.Equal(t, DBDriverSQLite, cfg.DBDriver)
	assert.Contains(t, cfg.DBDSN, "indexer.db")
	assert.Equal(t, uint64(25), cfg.BatchSize)
	assert.False(t, cfg.EnableListener)
	assert.Equal(t, "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", cfg.ProgramID.String())
}

func TestLoadIndexerConfigRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"INDEXER_POLL_INTERVAL":     "-1s",
		"INDEXER_BATCH_SIZE":        "0",
		"SOLANA_COMMITMENT":         "recent",
		"INDEXER_DB_DRIVER":         "mysql",
		"MARKETPLACE_PROGRAM_ID":    "not-a-key",
		"INDEXER_ERROR_BACKOFF_MAX": "1ms",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadIndexerConfig()
			assert.Error(t, err)
		})
	}
}

func TestDeriveWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8899":               "ws://localhost:8900",
		"https://api.mainnet-beta.solana.com": "wss://api.mainnet-beta.solana.com",
		"https://rpc.example.com:443/key":     "wss://rpc.example.com:443/key",
		"wss://already.example.com":           "wss://already.example.com",
	}
	for in, want := range tests {
		got, err := DeriveWebsocketURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := DeriveWebsocketURL("ftp://example.com")
	assert.Error(t, err)
}

func TestLoadSubmitterConfig(t *testing.T) {
	t.Setenv("SUBMITTER_KEYPAIR_PATH", "/tmp/authority.json")
	t.Setenv("SUBMITTER_MAX_RETRIES", "3")
	t.Setenv("SUBMITTER_COMPUTE_UNIT_LIMIT", "200000")

	cfg, err := LoadSubmitterConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/authority.json", cfg.KeypairPath)
	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, uint(3), *cfg.MaxRetries)
	assert.Equal(t, uint32(200000), cfg.ComputeUnitLimit)
	assert.Equal(t, 700*time.Millisecond, cfg.ConfirmPollInterval)
}

func TestLoadCLIConfig(t *testing.T) {
	cfg, err := LoadCLIConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultProgramID, cfg.ProgramID)
	assert.Equal(t, "text", cfg.Output)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "stderr", cfg.Log.Output)

	t.Setenv("MARKETCTL_OUTPUT", "JSON")
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err = LoadCLIConfig()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Output)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Setenv("MARKETCTL_OUTPUT", "yaml")
	_, err = LoadCLIConfig()
	require.Error(t, err)
}

func TestNormalizeKeySegment(t *testing.T) {
	assert.Equal(t, "INDEXER", normalizeKeySegment("indexer"))
	assert.Equal(t, "POLL_INTERVAL", normalizeKeySegment("poll-interval"))
	assert.Equal(t, "", normalizeKeySegment("  "))

	flat, err := flattenConfig(map[string]any{
		"indexer": map[string]any{"batch_size": 50, "db": map[string]any{"driver": "sqlite"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "50", flat["INDEXER_BATCH_SIZE"])
	assert.Equal(t, "sqlite", flat["INDEXER_DB_DRIVER"])
}
