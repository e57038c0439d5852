package checkpoint

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metalabel/internal/nn"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewManager(t.TempDir(), log)
	require.NoError(t, err)
	return m
}

func testRecord() Record {
	model := nn.NewClassifier(4, 8, 3, 17)
	opt := nn.NewSGD(0.1, 0.9, 1e-4)
	return Record{
		Step:      400,
		BestScore: 71.25,
		RunID:     "run-1",
		Model:     model.State(),
		Optimizer: opt.State(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := testManager(t)
	rec := testRecord()

	require.NoError(t, m.Save(rec, false))
	got, err := m.Load(m.LatestPath())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)
}

func TestBestVariantWrittenOnlyOnBest(t *testing.T) {
	m := testManager(t)
	rec := testRecord()

	require.NoError(t, m.Save(rec, false))
	_, err := os.Stat(m.BestPath())
	assert.True(t, os.IsNotExist(err), "best variant should not exist yet")

	rec.Step = 800
	rec.BestScore = 80.0
	require.NoError(t, m.Save(rec, true))

	best, err := m.Load(m.BestPath())
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, 800, best.Step)
	assert.Equal(t, 80.0, best.BestScore)
}

func TestLoadMissingPathIsNonFatal(t *testing.T) {
	m := testManager(t)
	rec, err := m.Load(filepath.Join(t.TempDir(), "nope.gob"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLoadCorruptFileFails(t *testing.T) {
	m := testManager(t)
	path := filepath.Join(t.TempDir(), "bad.gob")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))
	_, err := m.Load(path)
	assert.Error(t, err)
}
