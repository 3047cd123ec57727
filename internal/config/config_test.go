package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Relational.Driver)
	assert.False(t, cfg.Mapping.OrdinalFallback)
	assert.False(t, cfg.Vote.ManualFallbackEnabled)
	assert.Equal(t, 10*time.Second, cfg.LedgerTimeout())
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
ledger:
  driver: rpc
  socket: /tmp/ledger.sock
  timeout: 500ms
mapping:
  ordinal_fallback: true
vote:
  manual_fallback_enabled: true
`))
	require.NoError(t, err)
	assert.Equal(t, "rpc", cfg.Ledger.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.LedgerTimeout())
	assert.True(t, cfg.Mapping.OrdinalFallback)
	assert.True(t, cfg.Vote.ManualFallbackEnabled)
	// untouched sections keep defaults
	assert.Equal(t, "ballotsync-cache.db", cfg.Cache.Path)
	assert.Equal(t, uint64(20), cfg.Vote.StandardFee.GasPrice)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("ledger:\n  drivr: rpc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drivr")
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown relational driver", "relational:\n  driver: postgres\n"},
		{"http without base url", "relational:\n  driver: http\n"},
		{"rpc without socket", "ledger:\n  driver: rpc\n  socket: \"\"\n"},
		{"bad timeout", "ledger:\n  timeout: soon\n"},
		{"zero retention", "cache:\n  retention_days: 0\n"},
		{"minimal fee above standard", "vote:\n  minimal_fee:\n    gas_limit: 1\n    gas_price: 50\n"},
		{"empty signer", "signer:\n  account: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ballotsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relational:\n  driver: http\n  base_url: http://localhost:8080\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Relational.BaseURL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvPath, "/etc/ballotsync.yaml")
	assert.Equal(t, "/etc/ballotsync.yaml", ResolvePath(""))
	assert.Equal(t, "local.yaml", ResolvePath("local.yaml"))
}
