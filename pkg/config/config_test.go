package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/barge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysOntoDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("replicate: true\nrpcMaxParallelism: 16\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Replicate)
	assert.Equal(t, 16, cfg.RPCMaxParallelism)
	assert.Equal(t, Default().StageEndTimeout, cfg.StageEndTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("splitMode: sideways\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default ok", func(c *Config) {}, false},
		{"bad partition type", func(c *Config) { c.PartitionType = types.PartitionType("bogus") }, true},
		{"bad split mode", func(c *Config) { c.SplitMode = "sideways" }, true},
		{"zero retry", func(c *Config) { c.ReserveSlotsMaxRetry = 0 }, true},
		{"zero parallelism", func(c *Config) { c.RPCMaxParallelism = 0 }, true},
		{"port out of range", func(c *Config) { c.DriverMetaServicePort = 70000 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, types.ReducePartition, cfg.PartitionType)
	assert.Equal(t, "soft", cfg.SplitMode)
	assert.Equal(t, 2*time.Minute, cfg.StageEndTimeout)
	assert.Equal(t, 19097, cfg.DriverMetaServicePort)
}
