// Package refine computes refined pseudo-labels for unlabeled batches via a
// meta-gradient step: the gradient of the labeled loss, taken through a
// simulated one-step parameter update driven by the current pseudo-labels,
// nudges the labels toward values that would have helped the labeled batch.
package refine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"metalabel/internal/nn"
)

// Model is the differentiable capability the refiner needs. Forward and
// VirtualStep/BackwardKL carry first-order gradients; the pair
// ForwardFast/MetaGradient realizes the derivative through the simulated
// update. How differentiation is implemented is the model's business.
type Model interface {
	Forward(x *mat.Dense) *mat.Dense
	VirtualStep(logits, target *mat.Dense)
	ForwardFast(x *mat.Dense, rate float64) *mat.Dense
	MetaGradient(labels []int, rate float64) *mat.Dense
	BackwardKL(logits, target *mat.Dense)
	ZeroGrad()
}

// RateFunc resolves the inner learning rate from the optimizer's current
// rate. The fixed/dynamic choice is made once at configuration time.
type RateFunc func(currentLR float64) float64

// FixedRate always uses the configured base rate times the multiplier.
func FixedRate(baseLR, multiplier float64) RateFunc {
	rate := baseLR * multiplier
	return func(float64) float64 { return rate }
}

// DynamicRate follows the optimizer's current rate times the multiplier.
func DynamicRate(multiplier float64) RateFunc {
	return func(currentLR float64) float64 { return currentLR * multiplier }
}

// Refiner owns the per-step bi-level refinement.
type Refiner struct {
	model  Model
	policy Policy
	rate   RateFunc
}

// New constructs a Refiner with the policy and rate mode already resolved.
func New(model Model, policy Policy, rate RateFunc) *Refiner {
	return &Refiner{model: model, policy: policy, rate: rate}
}

// Result carries everything the training loop needs from one refinement.
type Result struct {
	// Loss is the unsupervised KL loss against the projected target; its
	// gradient is accumulated into the model and drives the real update.
	Loss float64
	// OuterLoss is the labeled cross-entropy at the fast weights.
	OuterLoss float64
	// Logits are the unlabeled logits at the current parameters.
	Logits *mat.Dense
	// FastLogits are the labeled logits at the fast weights.
	FastLogits *mat.Dense
	// Target is the projected pseudo-label distribution (detached).
	Target *mat.Dense
	// InnerRate is the rate used for the simulated update this step.
	InnerRate float64
}

// Step runs one refinement over a labeled and an unlabeled batch and leaves
// the model's gradient buffers holding the gradient of Result.Loss.
func (r *Refiner) Step(labeled, unlabeled nn.Batch, currentLR float64) (Result, error) {
	rate := r.rate(currentLR)

	// Initial target: softmax of the unlabeled logits, as a leaf. No
	// gradient flows from the target back into the parameters.
	logits := r.model.Forward(unlabeled.Inputs)
	target := nn.Softmax(logits)

	// Simulate one gradient step on the KL inner loss, keeping the path
	// differentiable, then evaluate the labeled batch at the fast weights.
	r.model.VirtualStep(logits, target)
	fastLogits := r.model.ForwardFast(labeled.Inputs, rate)

	// Meta-gradient of the labeled loss with respect to the target, then
	// the in-place update and projection onto the constraint set.
	grad := r.model.MetaGradient(labeled.Labels, rate)
	var delta mat.Dense
	delta.Scale(rate, grad)
	target.Sub(target, &delta)
	if err := r.policy.Project(target); err != nil {
		return Result{}, fmt.Errorf("refine: project targets: %w", err)
	}

	// Final unsupervised loss against the detached, projected target.
	loss := nn.KLDiv(logits, target)
	outer := nn.CrossEntropy(fastLogits, labeled.Labels)

	r.model.ZeroGrad()
	r.model.BackwardKL(logits, target)

	return Result{
		Loss:       loss,
		OuterLoss:  outer,
		Logits:     logits,
		FastLogits: fastLogits,
		Target:     target,
		InnerRate:  rate,
	}, nil
}
