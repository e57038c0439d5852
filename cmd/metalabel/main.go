package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"metalabel/internal/checkpoint"
	"metalabel/internal/config"
	"metalabel/internal/dataset"
	"metalabel/internal/nn"
	"metalabel/internal/refine"
	"metalabel/internal/trainer"
)

// hiddenWidth is the width of the frozen backbone projection.
const hiddenWidth = 256

func main() {
	cfgPath := flag.String("config", "configs/default.yaml", "Path to YAML config")
	numLabel := flag.Int("num-label", 0, "Number of labeled examples")
	datasetName := flag.String("dataset", "", "Dataset name (cifar10|svhn)")
	totalSteps := flag.Int("total-steps", 0, "Total training steps")
	startStep := flag.Int("start-step", 0, "Start step (for resume)")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	lr := flag.Float64("lr", 0, "Initial learning rate")
	multiplier := flag.Float64("multiplier", 0, "Inner rate = lr * multiplier")
	fixInner := flag.Bool("fix-inner", false, "Fix the inner learning rate")
	policy := flag.Int("refine-policy", 0, "Pseudo-label projection policy (0-3)")
	testFreq := flag.Int("test-freq", 0, "Evaluation interval in steps")
	numWorkers := flag.Int("num-workers", 0, "Shard decode workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	resume := flag.String("resume", "", "Resume from a checkpoint")
	dataPath := flag.String("data-path", "", "Data path")
	savePath := flag.String("save-path", "", "Save path")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	cfg.ApplyOverrides(config.Overrides{
		NumLabel:     *numLabel,
		Dataset:      *datasetName,
		TotalSteps:   *totalSteps,
		StartStep:    *startStep,
		BatchSize:    *batchSize,
		LR:           *lr,
		Multiplier:   *multiplier,
		FixInner:     *fixInner,
		RefinePolicy: *policy,
		TestFreq:     *testFreq,
		NumWorkers:   *numWorkers,
		Seed:         *seed,
		Resume:       *resume,
		DataPath:     *dataPath,
		SavePath:     *savePath,
	})

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	log, closeLog, err := buildLogger(cfg.SavePath)
	if err != nil {
		slog.Error("failed to open log file", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfg, log); err != nil {
		log.Error("training failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	log.Info("loading data", slog.String("dataset", cfg.Dataset))
	source, err := dataset.Open(ctx, dataset.Options{
		DataPath:   cfg.DataPath,
		Dataset:    cfg.Dataset,
		NumLabel:   cfg.NumLabel,
		BatchSize:  cfg.BatchSize,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	}, log)
	if err != nil {
		return err
	}

	log.Info("building model",
		slog.Int("feature_dim", source.FeatureDim()),
		slog.Int("hidden", hiddenWidth),
		slog.Int("classes", source.NumClasses()),
	)
	model := nn.NewClassifier(source.FeatureDim(), hiddenWidth, source.NumClasses(), cfg.Seed)
	opt := nn.NewSGD(cfg.LR, cfg.Momentum, cfg.WeightDecay)

	pol, err := refine.ParsePolicy(cfg.RefinePolicy)
	if err != nil {
		return err
	}
	rate := refine.DynamicRate(cfg.Multiplier)
	if cfg.FixInner {
		rate = refine.FixedRate(cfg.LR, cfg.Multiplier)
	}
	refiner := refine.New(model, pol, rate)

	ckpt, err := checkpoint.NewManager(cfg.SavePath, log)
	if err != nil {
		return err
	}

	loop := trainer.New(cfg, model, opt, refiner, source, ckpt, log)
	if cfg.Resume != "" {
		if err := loop.Resume(cfg.Resume); err != nil {
			return err
		}
	}
	return loop.Run(ctx)
}

func buildLogger(savePath string) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(savePath, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(savePath, "train.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, f), nil)
	return slog.New(handler), func() { f.Close() }, nil
}
