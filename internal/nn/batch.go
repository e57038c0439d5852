package nn

import "gonum.org/v1/gonum/mat"

// Batch is a minibatch of row-major feature vectors with integer labels.
// For unlabeled batches the labels are carried along for accuracy tracking
// but are never used as supervision.
type Batch struct {
	Inputs *mat.Dense
	Labels []int
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if b.Inputs == nil {
		return 0
	}
	r, _ := b.Inputs.Dims()
	return r
}
