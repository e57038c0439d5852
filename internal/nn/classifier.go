package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Classifier is a linear softmax head over a frozen random-projection
// backbone. Only the head trains, which keeps the derivative of the outer
// loss through a simulated one-step head update in closed form; the refiner
// consumes it purely through the Forward/VirtualStep/ForwardFast/MetaGradient
// protocol and stays agnostic to how the gradients are realized.
//
// Protocol per training step, in order:
//
//	zu := c.Forward(unlabeled)         // stashes unlabeled features
//	c.VirtualStep(zu, target)          // simulated update, never committed
//	zl := c.ForwardFast(labeled, rate) // fast-weights forward
//	g := c.MetaGradient(labels, rate)  // d outer loss / d target
//	c.ZeroGrad()
//	c.BackwardKL(zu, projected)        // real gradient for the optimizer
type Classifier struct {
	inputDim   int
	hiddenDim  int
	numClasses int

	proj *mat.Dense // frozen backbone, nil means identity features
	w    *mat.Dense // hiddenDim x numClasses
	b    []float64

	gradW *mat.Dense
	gradB []float64

	training bool

	// Stashes for the bi-level protocol. lastH holds the features of the
	// most recent plain Forward and survives ForwardFast, so the final
	// BackwardKL reuses the unlabeled features.
	lastH  *mat.Dense
	virtP  *mat.Dense
	virtGW *mat.Dense
	virtGB []float64
	fastH  *mat.Dense
	fastZ  *mat.Dense
}

// NewClassifier builds a model with a frozen tanh random-projection backbone
// of the given width and a small randomly initialized head.
func NewClassifier(inputDim, hiddenDim, numClasses int, seed int64) *Classifier {
	rng := rand.New(rand.NewSource(seed))
	proj := mat.NewDense(inputDim, hiddenDim, nil)
	scale := 1.0 / math.Sqrt(float64(inputDim))
	for i := 0; i < inputDim; i++ {
		for j := 0; j < hiddenDim; j++ {
			proj.Set(i, j, rng.NormFloat64()*scale)
		}
	}
	c := newHead(hiddenDim, numClasses)
	c.inputDim = inputDim
	c.proj = proj
	for i := range c.w.RawMatrix().Data {
		c.w.RawMatrix().Data[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return c
}

// NewLinearClassifier builds a bare linear head with zero-initialized
// weights and no backbone; features are fed to the head unchanged.
func NewLinearClassifier(featureDim, numClasses int) *Classifier {
	return newHead(featureDim, numClasses)
}

func newHead(hiddenDim, numClasses int) *Classifier {
	return &Classifier{
		inputDim:   hiddenDim,
		hiddenDim:  hiddenDim,
		numClasses: numClasses,
		w:          mat.NewDense(hiddenDim, numClasses, nil),
		b:          make([]float64, numClasses),
		gradW:      mat.NewDense(hiddenDim, numClasses, nil),
		gradB:      make([]float64, numClasses),
		training:   true,
	}
}

// NumClasses returns the size of the output distribution.
func (c *Classifier) NumClasses() int { return c.numClasses }

// SetHead overwrites the head parameters. Used by tests and checkpoints.
func (c *Classifier) SetHead(w *mat.Dense, b []float64) error {
	r, cols := w.Dims()
	if r != c.hiddenDim || cols != c.numClasses || len(b) != c.numClasses {
		return fmt.Errorf("nn: head shape %dx%d/%d does not match %dx%d", r, cols, len(b), c.hiddenDim, c.numClasses)
	}
	c.w.Copy(w)
	copy(c.b, b)
	return nil
}

// EvalMode switches off training-time bookkeeping and returns a func that
// restores the previous mode. Callers defer it so the mode survives errors.
func (c *Classifier) EvalMode() func() {
	prev := c.training
	c.training = false
	return func() { c.training = prev }
}

// Training reports whether the model is in training mode.
func (c *Classifier) Training() bool { return c.training }

func (c *Classifier) features(x *mat.Dense) *mat.Dense {
	if c.proj == nil {
		return x
	}
	var h mat.Dense
	h.Mul(x, c.proj)
	h.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, &h)
	return &h
}

func (c *Classifier) headForward(h, w *mat.Dense, b []float64) *mat.Dense {
	var z mat.Dense
	z.Mul(h, w)
	r, cols := z.Dims()
	for i := 0; i < r; i++ {
		row := z.RawRowView(i)
		for j := 0; j < cols; j++ {
			row[j] += b[j]
		}
	}
	return &z
}

// Forward returns logits for the batch at the current parameters. In
// training mode the computed features are retained for the backward passes.
func (c *Classifier) Forward(x *mat.Dense) *mat.Dense {
	h := c.features(x)
	if c.training {
		c.lastH = h
	}
	return c.headForward(h, c.w, c.b)
}

// klGrad returns the gradient of the batch-mean KL divergence between
// log-softmax(logits) and target with respect to the logits:
// (p*rowsum(t) - t) / batch. The rowsum term keeps the expression exact for
// targets whose rows do not sum to one.
func klGrad(logits, target *mat.Dense) *mat.Dense {
	p := Softmax(logits)
	r, cols := target.Dims()
	g := mat.NewDense(r, cols, nil)
	inv := 1.0 / float64(r)
	for i := 0; i < r; i++ {
		trow := target.RawRowView(i)
		prow := p.RawRowView(i)
		grow := g.RawRowView(i)
		sigma := 0.0
		for _, t := range trow {
			sigma += t
		}
		for j := 0; j < cols; j++ {
			grow[j] = (prow[j]*sigma - trow[j]) * inv
		}
	}
	return g
}

// VirtualStep computes the head gradient of the KL inner loss at the logits
// of the last Forward, retaining everything needed to differentiate back
// through the simulated update. The parameters themselves are not touched.
func (c *Classifier) VirtualStep(logits, target *mat.Dense) {
	if c.lastH == nil {
		panic("nn: VirtualStep without a preceding training-mode Forward")
	}
	g := klGrad(logits, target)
	var gw mat.Dense
	gw.Mul(c.lastH.T(), g)
	c.virtGW = &gw
	c.virtGB = colSums(g)
	c.virtP = Softmax(logits)
}

// ForwardFast evaluates the batch at the fast weights, the parameters offset
// by -rate times the virtual gradient. Inputs and logits are retained for
// MetaGradient.
func (c *Classifier) ForwardFast(x *mat.Dense, rate float64) *mat.Dense {
	if c.virtGW == nil {
		panic("nn: ForwardFast without a preceding VirtualStep")
	}
	h := c.features(x)
	var wf mat.Dense
	wf.Scale(-rate, c.virtGW)
	wf.Add(&wf, c.w)
	bf := make([]float64, len(c.b))
	for i := range bf {
		bf[i] = c.b[i] - rate*c.virtGB[i]
	}
	z := c.headForward(h, &wf, bf)
	c.fastH = h
	c.fastZ = z
	return z
}

// MetaGradient differentiates the mean cross-entropy of the fast-weight
// logits against labels with respect to the target passed to VirtualStep.
// With G the inner KL gradient, fast weights W' = W - rate*Hu^T G, outer
// logit gradient gl, A = Hl^T gl and a = colsum(gl), the derivative is
//
//	d/dt[k][c] = (rate/Bu) * (M[k][c] - <M[k], p[k]>), M = Hu*A + 1 a^T.
//
// This differentiation is first-order only; no further derivative flows
// through it.
func (c *Classifier) MetaGradient(labels []int, rate float64) *mat.Dense {
	if c.fastZ == nil {
		panic("nn: MetaGradient without a preceding ForwardFast")
	}
	gl := Softmax(c.fastZ)
	rl, _ := gl.Dims()
	invL := 1.0 / float64(rl)
	for i, label := range labels {
		row := gl.RawRowView(i)
		row[label] -= 1
		for j := range row {
			row[j] *= invL
		}
	}

	var a mat.Dense
	a.Mul(c.fastH.T(), gl)
	bias := colSums(gl)

	var m mat.Dense
	m.Mul(c.lastH, &a)
	ru, cols := m.Dims()
	out := mat.NewDense(ru, cols, nil)
	scale := rate / float64(ru)
	for i := 0; i < ru; i++ {
		mrow := m.RawRowView(i)
		prow := c.virtP.RawRowView(i)
		orow := out.RawRowView(i)
		dot := 0.0
		for j := 0; j < cols; j++ {
			mrow[j] += bias[j]
			dot += mrow[j] * prow[j]
		}
		for j := 0; j < cols; j++ {
			orow[j] = scale * (mrow[j] - dot)
		}
	}
	return out
}

// BackwardKL accumulates the real head gradient of the batch-mean KL loss at
// logits against a fixed target, using the features stashed by the last
// plain Forward.
func (c *Classifier) BackwardKL(logits, target *mat.Dense) {
	if c.lastH == nil {
		panic("nn: BackwardKL without a preceding training-mode Forward")
	}
	g := klGrad(logits, target)
	var gw mat.Dense
	gw.Mul(c.lastH.T(), g)
	c.gradW.Add(c.gradW, &gw)
	gb := colSums(g)
	for i := range c.gradB {
		c.gradB[i] += gb[i]
	}
}

// ZeroGrad clears the accumulated parameter gradients.
func (c *Classifier) ZeroGrad() {
	c.gradW.Zero()
	for i := range c.gradB {
		c.gradB[i] = 0
	}
}

func colSums(m *mat.Dense) []float64 {
	r, cols := m.Dims()
	out := make([]float64, cols)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < cols; j++ {
			out[j] += row[j]
		}
	}
	return out
}

// State is a checkpointable snapshot of the model parameters. The backbone
// and head are kept separate, mirroring the backbone/classifier split of the
// checkpoint record.
type State struct {
	InputDim   int
	HiddenDim  int
	NumClasses int
	Backbone   []float64 // nil for identity-feature models
	HeadW      []float64
	HeadB      []float64
}

// State captures the current parameters.
func (c *Classifier) State() State {
	s := State{
		InputDim:   c.inputDim,
		HiddenDim:  c.hiddenDim,
		NumClasses: c.numClasses,
		HeadW:      append([]float64(nil), c.w.RawMatrix().Data...),
		HeadB:      append([]float64(nil), c.b...),
	}
	if c.proj != nil {
		s.Backbone = append([]float64(nil), c.proj.RawMatrix().Data...)
	}
	return s
}

// LoadState restores parameters from a snapshot taken on a model of the
// same shape.
func (c *Classifier) LoadState(s State) error {
	if s.InputDim != c.inputDim || s.HiddenDim != c.hiddenDim || s.NumClasses != c.numClasses {
		return errors.New("nn: checkpoint shape does not match model")
	}
	if len(s.HeadW) != c.hiddenDim*c.numClasses || len(s.HeadB) != c.numClasses {
		return errors.New("nn: malformed head snapshot")
	}
	copy(c.w.RawMatrix().Data, s.HeadW)
	copy(c.b, s.HeadB)
	if s.Backbone != nil {
		if c.proj == nil || len(s.Backbone) != c.inputDim*c.hiddenDim {
			return errors.New("nn: malformed backbone snapshot")
		}
		copy(c.proj.RawMatrix().Data, s.Backbone)
	}
	return nil
}
