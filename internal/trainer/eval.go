package trainer

import (
	"context"
	"log/slog"

	"metalabel/internal/metrics"
	"metalabel/internal/nn"
)

// Evaluator runs an inference-mode pass over the held-out set.
type Evaluator struct {
	model  *nn.Classifier
	source DataSource
	log    *slog.Logger
}

// NewEvaluator constructs an Evaluator around a shared model.
func NewEvaluator(model *nn.Classifier, source DataSource, log *slog.Logger) *Evaluator {
	return &Evaluator{model: model, source: source, log: log}
}

// Run computes mean cross-entropy loss and mean top-1 accuracy over the full
// evaluation sequence. Training mode is restored on every exit path. An
// empty sequence is fatal.
func (e *Evaluator) Run(ctx context.Context) (loss, acc float64, err error) {
	restore := e.model.EvalMode()
	defer restore()

	var losses, accs metrics.Meter
	batches, errs := e.source.EvalBatches(ctx)
	for batch := range batches {
		logits := e.model.Forward(batch.Inputs)
		n := float64(batch.Size())
		losses.Update(nn.CrossEntropy(logits, batch.Labels), n)
		accs.Update(nn.Accuracy(logits, batch.Labels), n)
	}
	if err := <-errs; err != nil {
		return 0, 0, err
	}
	if losses.Count() == 0 {
		return 0, 0, ErrEmptyEvalSet
	}

	e.log.Info("evaluation",
		slog.Float64("loss", losses.Avg()),
		slog.Float64("accuracy", accs.Avg()),
		slog.Float64("samples", losses.Count()),
	)
	return losses.Avg(), accs.Avg(), nil
}
