// Package trainer drives the bi-level training run: batch fetch, pseudo-label
// refinement, optimizer step, learning-rate schedule, periodic evaluation and
// checkpointing, with resume support.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"metalabel/internal/checkpoint"
	"metalabel/internal/config"
	"metalabel/internal/metrics"
	"metalabel/internal/nn"
	"metalabel/internal/refine"
)

// ErrDiverged reports a NaN or Inf training loss. Bi-level schemes are prone
// to instability; the run stops with the last checkpoint intact.
var ErrDiverged = errors.New("trainer: training diverged")

// ErrEmptyEvalSet reports an evaluation pass that saw no batches.
var ErrEmptyEvalSet = errors.New("trainer: empty evaluation set")

// State is the phase of the training loop.
type State int

const (
	StateRunning State = iota
	StateEvaluating
	StateCheckpointing
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateEvaluating:
		return "evaluating"
	case StateCheckpointing:
		return "checkpointing"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DataSource supplies training and evaluation batches. Batch calls block
// until a batch is available; prefetching is the source's business.
type DataSource interface {
	LabeledBatch(ctx context.Context) (nn.Batch, error)
	UnlabeledBatch(ctx context.Context) (nn.Batch, error)
	EvalBatches(ctx context.Context) (<-chan nn.Batch, <-chan error)
}

// Loop owns the mutable training state: step counter, best score, phase.
// Parameters and optimizer state are mutated strictly once per step.
type Loop struct {
	cfg     config.Config
	model   *nn.Classifier
	opt     *nn.SGD
	refiner *refine.Refiner
	source  DataSource
	ckpt    *checkpoint.Manager
	eval    *Evaluator
	meters  *metrics.Set
	log     *slog.Logger

	state State
	step  int
	best  float64
	runID string
}

// New wires the loop. The refiner's policy and rate mode are already
// resolved by the caller.
func New(cfg config.Config, model *nn.Classifier, opt *nn.SGD, refiner *refine.Refiner, source DataSource, ckpt *checkpoint.Manager, log *slog.Logger) *Loop {
	if cfg.PrintFreq <= 0 {
		cfg.PrintFreq = 50
	}
	if cfg.TestFreq <= 0 {
		cfg.TestFreq = 400
	}
	return &Loop{
		cfg:     cfg,
		model:   model,
		opt:     opt,
		refiner: refiner,
		source:  source,
		ckpt:    ckpt,
		eval:    NewEvaluator(model, source, log),
		meters:  metrics.NewSet(),
		log:     log,
		state:   StateRunning,
		step:    cfg.StartStep,
		runID:   uuid.NewString(),
	}
}

// State returns the current phase.
func (l *Loop) State() State { return l.state }

// Step returns the next step index to execute.
func (l *Loop) Step() int { return l.step }

// BestScore returns the best evaluation accuracy seen so far.
func (l *Loop) BestScore() float64 { return l.best }

// RunID identifies this run in logs and checkpoints.
func (l *Loop) RunID() string { return l.runID }

// Resume restores the loop from a checkpoint. A missing path logs a notice
// and leaves the fresh state in place.
func (l *Loop) Resume(path string) error {
	rec, err := l.ckpt.Load(path)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := l.model.LoadState(rec.Model); err != nil {
		return err
	}
	if err := l.opt.LoadState(rec.Optimizer); err != nil {
		return err
	}
	l.step = rec.Step
	l.best = rec.BestScore
	if rec.RunID != "" {
		l.runID = rec.RunID
	}
	l.log.Info("resumed from checkpoint",
		slog.String("path", path),
		slog.Int("step", l.step),
		slog.Float64("best_score", l.best),
	)
	return nil
}

// ScheduleLR returns the piecewise-constant learning rate for a step:
// the base rate decayed at total/2 and again at total*3/4.
func ScheduleLR(base, decay float64, step, total int) float64 {
	lr := base
	if step >= total/2 {
		lr *= decay
	}
	if step >= total*3/4 {
		lr *= decay
	}
	return lr
}

// Run executes steps until TotalSteps, evaluating and checkpointing every
// TestFreq steps and at the final step. It returns on the first error; a
// divergent loss aborts before the optimizer commits the step.
func (l *Loop) Run(ctx context.Context) error {
	l.state = StateRunning
	l.log.Info("training started",
		slog.String("run_id", l.runID),
		slog.Int("start_step", l.step),
		slog.Int("total_steps", l.cfg.TotalSteps),
	)

	for l.step < l.cfg.TotalSteps {
		step := l.step

		dataStart := time.Now()
		labeled, err := l.source.LabeledBatch(ctx)
		if err != nil {
			return err
		}
		unlabeled, err := l.source.UnlabeledBatch(ctx)
		if err != nil {
			return err
		}
		dataTime := time.Since(dataStart)

		stepStart := time.Now()
		l.opt.SetLR(ScheduleLR(l.cfg.LR, l.cfg.LRDecay, step, l.cfg.TotalSteps))

		res, err := l.refiner.Step(labeled, unlabeled, l.opt.LR())
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) ||
			math.IsNaN(res.OuterLoss) || math.IsInf(res.OuterLoss, 0) {
			return fmt.Errorf("%w at step %d (loss=%g outer=%g)", ErrDiverged, step, res.Loss, res.OuterLoss)
		}

		l.opt.Step(l.model)
		stepTime := time.Since(stepStart)

		n := float64(labeled.Size())
		l.meters.Update("data_time", dataTime.Seconds(), 1)
		l.meters.Update("step_time", stepTime.Seconds(), 1)
		l.meters.Update("label_loss", res.OuterLoss, n)
		l.meters.Update("unlabel_loss", res.Loss, n)
		l.meters.Update("label_acc", nn.Accuracy(res.FastLogits, labeled.Labels), n)
		l.meters.Update("unlabel_acc", nn.Accuracy(res.Logits, unlabeled.Labels), n)

		if step%l.cfg.PrintFreq == 0 {
			l.log.Info("train",
				slog.Int("step", step),
				slog.Int("total", l.cfg.TotalSteps),
				slog.String("label_loss", l.meters.Get("label_loss").String()),
				slog.String("unlabel_loss", l.meters.Get("unlabel_loss").String()),
				slog.String("label_acc", l.meters.Get("label_acc").String()),
				slog.String("unlabel_acc", l.meters.Get("unlabel_acc").String()),
				slog.Float64("lr", l.opt.LR()),
				slog.Float64("inner_lr", res.InnerRate),
			)
		}

		l.step++

		if (step+1)%l.cfg.TestFreq == 0 || step == l.cfg.TotalSteps-1 {
			if err := l.evaluateAndCheckpoint(ctx); err != nil {
				return err
			}
		}
	}

	l.state = StateCompleted
	l.log.Info("training completed",
		slog.Int("steps", l.step),
		slog.Float64("best_score", l.best),
	)
	return nil
}

func (l *Loop) evaluateAndCheckpoint(ctx context.Context) error {
	l.state = StateEvaluating
	_, acc, err := l.eval.Run(ctx)
	if err != nil {
		return err
	}

	isBest := acc > l.best
	if isBest {
		l.best = acc
	}
	l.log.Info("best accuracy", slog.Float64("best_score", l.best))

	l.state = StateCheckpointing
	rec := checkpoint.Record{
		Step:      l.step,
		BestScore: l.best,
		RunID:     l.runID,
		Model:     l.model.State(),
		Optimizer: l.opt.State(),
	}
	if err := l.ckpt.Save(rec, isBest); err != nil {
		return err
	}

	l.meters.Reset()
	l.state = StateRunning
	return nil
}
