package jobqueue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchManifest_LoadAndEnqueue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "btc.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "eth.json"), []byte("{}"), 0644))

	manifestPath := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`version: "1.0"
kind: backtest
exchange: bybit
jobs:
  - name: btc
    config: configs/btc.json
    args: "--disable_plotting"
  - config: configs/eth.json
    exchange: binance
`), 0644))

	m, err := LoadBatchManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "configs", "btc.json"), m.Jobs[0].Config)

	store := NewStore(filepath.Join(dir, "queue"), nil)
	jobs, err := m.Enqueue(store)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "btc", jobs[0].DisplayName)
	assert.Equal(t, "bybit", jobs[0].ExchangeTag)
	assert.Equal(t, "--disable_plotting", jobs[0].Args())
	assert.Equal(t, "eth", jobs[1].DisplayName)
	assert.Equal(t, "binance", jobs[1].ExchangeTag)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestBatchManifest_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing kind", "jobs:\n  - config: a.json\n", "kind is required"},
		{"no jobs", "kind: backtest\n", "at least one job"},
		{"missing config", "kind: backtest\njobs:\n  - name: x\n", "jobs[0].config is required"},
		{"unknown field", "kind: backtest\nbogus: 1\njobs:\n  - config: a.json\n", "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "m.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := LoadBatchManifest(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBatchManifest_EnqueueRejectsMissingConfig(t *testing.T) {
	dir := t.TempDir()
	m := &BatchManifest{Kind: "backtest", Jobs: []BatchEntry{{Config: filepath.Join(dir, "missing.json")}}}

	store := NewStore(filepath.Join(dir, "queue"), nil)
	_, err := m.Enqueue(store)
	require.Error(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
