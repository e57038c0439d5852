package trainer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"metalabel/internal/nn"
)

func TestEvaluatorComputesMeanLossAndAccuracy(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	model := nn.NewLinearClassifier(2, 2)
	w := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	require.NoError(t, model.SetHead(w, []float64{0, 0}))

	// Identity head: examples whose larger feature matches the label are
	// classified correctly. Three of four are.
	eval := []nn.Batch{
		{
			Inputs: mat.NewDense(2, 2, []float64{5, 0, 0, 5}),
			Labels: []int{0, 1},
		},
		{
			Inputs: mat.NewDense(2, 2, []float64{5, 0, 0, 5}),
			Labels: []int{0, 0},
		},
	}
	src := &fakeSource{eval: eval}

	e := NewEvaluator(model, src, log)
	_, acc, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 75.0, acc, 1e-9)
	assert.True(t, model.Training(), "training mode must be restored")
}

func TestEvaluatorEmptySetIsFatal(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	model := nn.NewClassifier(2, 4, 2, 1)
	src := &fakeSource{}

	e := NewEvaluator(model, src, log)
	_, _, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyEvalSet)
	assert.True(t, model.Training(), "training mode must be restored after failure")
}
