package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsForMissingKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, "total_steps: 1000\nbatch_size: 32\n"))
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.TotalSteps)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 4000, cfg.NumLabel)
	assert.Equal(t, "cifar10", cfg.Dataset)
	assert.Equal(t, 0.1, cfg.LR)
	assert.Equal(t, 400, cfg.TestFreq)
}

func TestLoadRejectsUnknownDataset(t *testing.T) {
	_, err := Load(writeConfig(t, "dataset: imagenet\n"))
	assert.ErrorContains(t, err, "dataset")
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	_, err := Load(writeConfig(t, "refine_policy: 7\n"))
	assert.ErrorContains(t, err, "refine_policy")
}

func TestValidateRejectsStartStepBeyondTotal(t *testing.T) {
	cfg := Default()
	cfg.StartStep = cfg.TotalSteps
	assert.Error(t, cfg.Validate())
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{
		TotalSteps:   500,
		LR:           0.01,
		FixInner:     true,
		RefinePolicy: 2,
		Resume:       "/tmp/checkpoint.gob",
	})

	assert.Equal(t, 500, cfg.TotalSteps)
	assert.Equal(t, 0.01, cfg.LR)
	assert.True(t, cfg.FixInner)
	assert.Equal(t, 2, cfg.RefinePolicy)
	assert.Equal(t, "/tmp/checkpoint.gob", cfg.Resume)
	// Untouched keys keep their values.
	assert.Equal(t, 4000, cfg.NumLabel)
	assert.Equal(t, 128, cfg.BatchSize)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
