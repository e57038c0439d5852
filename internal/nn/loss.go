package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Softmax returns row-wise softmax probabilities for a logit matrix.
func Softmax(logits *mat.Dense) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := logits.RawRowView(i)
		maxLogit := row[0]
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sum := 0.0
		dst := out.RawRowView(i)
		for j, v := range row {
			e := math.Exp(v - maxLogit)
			dst[j] = e
			sum += e
		}
		inv := 1.0 / sum
		for j := range dst {
			dst[j] *= inv
		}
	}
	return out
}

// LogSoftmax returns row-wise log-softmax values for a logit matrix.
func LogSoftmax(logits *mat.Dense) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := logits.RawRowView(i)
		maxLogit := row[0]
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - maxLogit)
		}
		logZ := maxLogit + math.Log(sum)
		dst := out.RawRowView(i)
		for j, v := range row {
			dst[j] = v - logZ
		}
	}
	return out
}

// KLDiv computes the batch-mean KL divergence between log-softmax(logits)
// and a target distribution: mean_i sum_c t[i][c]*(log t[i][c] - s[i][c]).
// Zero target entries contribute nothing.
func KLDiv(logits, target *mat.Dense) float64 {
	s := LogSoftmax(logits)
	r, c := target.Dims()
	total := 0.0
	for i := 0; i < r; i++ {
		trow := target.RawRowView(i)
		srow := s.RawRowView(i)
		for j := 0; j < c; j++ {
			t := trow[j]
			if t <= 0 {
				continue
			}
			total += t * (math.Log(t) - srow[j])
		}
	}
	return total / float64(r)
}

// CrossEntropy computes the mean negative log-likelihood of the labels
// under softmax(logits).
func CrossEntropy(logits *mat.Dense, labels []int) float64 {
	s := LogSoftmax(logits)
	total := 0.0
	for i, label := range labels {
		total -= s.At(i, label)
	}
	return total / float64(len(labels))
}

// Accuracy returns the top-1 accuracy of logits against labels, in percent.
func Accuracy(logits *mat.Dense, labels []int) float64 {
	r, c := logits.Dims()
	if r == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < r; i++ {
		row := logits.RawRowView(i)
		best := 0
		for j := 1; j < c; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if best == labels[i] {
			correct++
		}
	}
	return 100 * float64(correct) / float64(r)
}
