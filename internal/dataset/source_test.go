package dataset

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func buildDataDir(t *testing.T, train, test int) string {
	t.Helper()
	dir := t.TempDir()
	trainDir := filepath.Join(dir, "cifar10", "train")
	testDir := filepath.Join(dir, "cifar10", "test")
	require.NoError(t, os.MkdirAll(trainDir, 0o755))
	require.NoError(t, os.MkdirAll(testDir, 0o755))
	writeShard(t, filepath.Join(trainDir, "shard-0000.tar"), train, func(i int) int { return i % 2 })
	writeShard(t, filepath.Join(testDir, "shard-0000.tar"), test, func(i int) int { return i % 2 })
	return dir
}

func openSource(t *testing.T, dir string, numLabel int) *Source {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	src, err := Open(context.Background(), Options{
		DataPath:   dir,
		Dataset:    "cifar10",
		NumLabel:   numLabel,
		BatchSize:  2,
		Seed:       7,
		NumWorkers: 2,
	}, log)
	require.NoError(t, err)
	return src
}

func TestOpenSplitsLabeledAndUnlabeled(t *testing.T) {
	src := openSource(t, buildDataDir(t, 8, 4), 3)

	assert.Len(t, src.labeled, 3)
	assert.Len(t, src.unlabeled, 5)
	assert.Len(t, src.eval, 4)
	assert.Equal(t, 2, src.NumClasses())
	assert.Equal(t, FeatureSize, src.FeatureDim())
}

func TestOpenIsDeterministicForSeed(t *testing.T) {
	dir := buildDataDir(t, 8, 4)
	a := openSource(t, dir, 4)
	b := openSource(t, dir, 4)

	ctx := context.Background()
	ba, err := a.LabeledBatch(ctx)
	require.NoError(t, err)
	bb, err := b.LabeledBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, ba.Labels, bb.Labels)
	assert.True(t, mat.Equal(ba.Inputs, bb.Inputs))
}

func TestBatchesCycleThroughPool(t *testing.T) {
	src := openSource(t, buildDataDir(t, 6, 4), 2)
	ctx := context.Background()

	// The labeled pool has 2 examples and the batch size is 2; repeated
	// calls keep serving full batches across epoch boundaries.
	for i := 0; i < 5; i++ {
		batch, err := src.LabeledBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, batch.Size())
	}

	unlabeled, err := src.UnlabeledBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, unlabeled.Size())
}

func TestEvalBatchesStreamInOrder(t *testing.T) {
	src := openSource(t, buildDataDir(t, 6, 5), 2)
	ctx := context.Background()

	batches, errs := src.EvalBatches(ctx)
	total := 0
	count := 0
	for b := range batches {
		total += b.Size()
		count++
	}
	require.NoError(t, <-errs)
	assert.Equal(t, 5, total)
	assert.Equal(t, 3, count, "last batch is the 1-sample remainder")
}

func TestOpenRejectsOversizedNumLabel(t *testing.T) {
	dir := buildDataDir(t, 4, 2)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Open(context.Background(), Options{
		DataPath:   dir,
		Dataset:    "cifar10",
		NumLabel:   10,
		BatchSize:  2,
		Seed:       1,
		NumWorkers: 1,
	}, log)
	assert.ErrorContains(t, err, "num_label")
}
