package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSGDStepMatchesHandComputedUpdate(t *testing.T) {
	c := NewLinearClassifier(1, 1)
	require.NoError(t, c.SetHead(mat.NewDense(1, 1, []float64{1.0}), []float64{0.5}))
	c.gradW.Set(0, 0, 0.2)
	c.gradB[0] = 0.1

	opt := NewSGD(0.1, 0.9, 0.01)

	// First step: buf = grad + wd*w, w -= lr*buf.
	opt.Step(c)
	wantBufW := 0.2 + 0.01*1.0
	wantW := 1.0 - 0.1*wantBufW
	assert.InDelta(t, wantW, c.w.At(0, 0), 1e-12)
	wantBufB := 0.1 + 0.01*0.5
	wantB := 0.5 - 0.1*wantBufB
	assert.InDelta(t, wantB, c.b[0], 1e-12)

	// Second step with the same gradients: momentum folds in.
	opt.Step(c)
	wantBufW2 := 0.9*wantBufW + 0.2 + 0.01*wantW
	wantW2 := wantW - 0.1*wantBufW2
	assert.InDelta(t, wantW2, c.w.At(0, 0), 1e-12)
}

func TestSGDStateRoundTrip(t *testing.T) {
	c := NewClassifier(3, 4, 2, 1)
	c.gradW.Set(0, 0, 1.0)
	c.gradB[1] = -0.5

	opt := NewSGD(0.1, 0.9, 1e-4)
	opt.Step(c)

	restored := NewSGD(0.2, 0.9, 1e-4)
	require.NoError(t, restored.LoadState(opt.State()))
	assert.Equal(t, opt.State(), restored.State())
	assert.Equal(t, 0.1, restored.LR())
}

func TestSGDLoadStateWithoutBuffers(t *testing.T) {
	opt := NewSGD(0.3, 0.9, 0)
	restored := NewSGD(0.1, 0.9, 0)
	require.NoError(t, restored.LoadState(opt.State()))
	assert.Equal(t, 0.3, restored.LR())
}

func TestSGDSetLR(t *testing.T) {
	opt := NewSGD(0.1, 0.9, 0)
	opt.SetLR(0.01)
	assert.Equal(t, 0.01, opt.LR())
}
