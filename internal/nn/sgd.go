package nn

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// SGD applies momentum SGD with weight decay to a Classifier head:
//
//	buf = momentum*buf + (grad + wd*w)
//	w  -= lr*buf
//
// Momentum buffers are part of the checkpointed training state.
type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64

	bufW *mat.Dense
	bufB []float64
}

// NewSGD constructs the optimizer.
func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{lr: lr, momentum: momentum, weightDecay: weightDecay}
}

// LR returns the current learning rate.
func (s *SGD) LR() float64 { return s.lr }

// SetLR replaces the learning rate; the schedule calls this every step.
func (s *SGD) SetLR(lr float64) { s.lr = lr }

// Step applies one update from the accumulated gradients of c.
func (s *SGD) Step(c *Classifier) {
	r, cols := c.gradW.Dims()
	if s.bufW == nil {
		s.bufW = mat.NewDense(r, cols, nil)
		s.bufB = make([]float64, len(c.gradB))
	}

	wData := c.w.RawMatrix().Data
	gData := c.gradW.RawMatrix().Data
	bData := s.bufW.RawMatrix().Data
	for i := range wData {
		d := gData[i] + s.weightDecay*wData[i]
		bData[i] = s.momentum*bData[i] + d
		wData[i] -= s.lr * bData[i]
	}
	for i := range c.b {
		d := c.gradB[i] + s.weightDecay*c.b[i]
		s.bufB[i] = s.momentum*s.bufB[i] + d
		c.b[i] -= s.lr * s.bufB[i]
	}
}

// SGDState is a checkpointable snapshot of the optimizer.
type SGDState struct {
	LR       float64
	BufRows  int
	BufCols  int
	BufW     []float64
	BufB     []float64
}

// State captures the learning rate and momentum buffers.
func (s *SGD) State() SGDState {
	st := SGDState{LR: s.lr}
	if s.bufW != nil {
		st.BufRows, st.BufCols = s.bufW.Dims()
		st.BufW = append([]float64(nil), s.bufW.RawMatrix().Data...)
		st.BufB = append([]float64(nil), s.bufB...)
	}
	return st
}

// LoadState restores the learning rate and momentum buffers.
func (s *SGD) LoadState(st SGDState) error {
	s.lr = st.LR
	if st.BufW == nil {
		s.bufW = nil
		s.bufB = nil
		return nil
	}
	if len(st.BufW) != st.BufRows*st.BufCols {
		return errors.New("nn: malformed optimizer snapshot")
	}
	s.bufW = mat.NewDense(st.BufRows, st.BufCols, st.BufW)
	s.bufB = append([]float64(nil), st.BufB...)
	return nil
}
