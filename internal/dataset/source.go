// Package dataset loads WebDataset-style tar shards and serves labeled,
// unlabeled and evaluation batches. The training split is decoded up front
// and held in memory; batch calls only cut minibatches from it, so the step
// loop's blocking fetch never stalls on IO.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"

	"gonum.org/v1/gonum/mat"

	"metalabel/internal/nn"
)

type sample struct {
	features []float64
	label    int
}

// Options configures Open.
type Options struct {
	DataPath   string
	Dataset    string // subdirectory under DataPath, e.g. "cifar10"
	NumLabel   int
	BatchSize  int
	Seed       int64
	NumWorkers int
}

// Source serves batches from a decoded train/test split. The first NumLabel
// examples of a seeded shuffle form the labeled pool; the remainder keep
// their labels only for accuracy tracking.
type Source struct {
	labeled   []sample
	unlabeled []sample
	eval      []sample

	batchSize  int
	featureDim int
	numClasses int

	rng        *rand.Rand
	labOrder   []int
	unlabOrder []int
	labPos     int
	unlabPos   int
}

// Open discovers and decodes the shards under <DataPath>/<Dataset>/{train,test}.
func Open(ctx context.Context, opts Options, log *slog.Logger) (*Source, error) {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	root := filepath.Join(opts.DataPath, opts.Dataset)

	train, err := loadSplit(ctx, filepath.Join(root, "train"), opts.NumWorkers)
	if err != nil {
		return nil, err
	}
	eval, err := loadSplit(ctx, filepath.Join(root, "test"), opts.NumWorkers)
	if err != nil {
		return nil, err
	}
	if len(train) == 0 {
		return nil, fmt.Errorf("dataset: no training samples under %s", root)
	}
	if opts.NumLabel > len(train) {
		return nil, fmt.Errorf("dataset: num_label %d exceeds %d training samples", opts.NumLabel, len(train))
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })

	numClasses := 0
	for _, s := range train {
		if s.label+1 > numClasses {
			numClasses = s.label + 1
		}
	}
	for _, s := range eval {
		if s.label+1 > numClasses {
			numClasses = s.label + 1
		}
	}

	src := &Source{
		labeled:    train[:opts.NumLabel],
		unlabeled:  train[opts.NumLabel:],
		eval:       eval,
		batchSize:  opts.BatchSize,
		featureDim: FeatureSize,
		numClasses: numClasses,
		rng:        rng,
	}
	if len(src.unlabeled) == 0 {
		// All examples labeled; the refiner still needs an unlabeled stream.
		src.unlabeled = src.labeled
	}
	log.Info("dataset loaded",
		slog.String("root", root),
		slog.Int("labeled", len(src.labeled)),
		slog.Int("unlabeled", len(src.unlabeled)),
		slog.Int("eval", len(src.eval)),
		slog.Int("classes", numClasses),
	)
	return src, nil
}

// loadSplit decodes every shard under root, fanning shards out across a
// bounded worker pool and preserving shard order in the result.
func loadSplit(ctx context.Context, root string, workers int) ([]sample, error) {
	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, err
	}

	type job struct {
		idx  int
		path string
	}
	jobs := make(chan job)
	results := make([][]sample, len(shards))
	errs := make([]error, len(shards))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.idx], errs[j.idx] = decodeShard(j.path)
			}
		}()
	}

	for i, path := range shards {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, ctx.Err()
		case jobs <- job{idx: i, path: path}:
		}
	}
	close(jobs)
	wg.Wait()

	var out []sample
	for i := range shards {
		if errs[i] != nil {
			return nil, errs[i]
		}
		out = append(out, results[i]...)
	}
	return out, nil
}

func decodeShard(path string) ([]sample, error) {
	raw, err := ReadShard(path)
	if err != nil {
		return nil, err
	}
	out := make([]sample, 0, len(raw))
	for _, r := range raw {
		features, err := ExtractFeatures(r.image)
		if err != nil {
			return nil, fmt.Errorf("decode %s in %s: %w", r.key, path, err)
		}
		out = append(out, sample{features: features, label: r.label})
	}
	return out, nil
}

// FeatureDim returns the width of the feature vectors served.
func (s *Source) FeatureDim() int { return s.featureDim }

// NumClasses returns the number of classes observed in the data.
func (s *Source) NumClasses() int { return s.numClasses }

// LabeledBatch returns the next labeled minibatch, reshuffling each epoch.
func (s *Source) LabeledBatch(ctx context.Context) (nn.Batch, error) {
	return s.next(ctx, s.labeled, &s.labOrder, &s.labPos)
}

// UnlabeledBatch returns the next unlabeled minibatch. Labels are carried
// for accuracy tracking only.
func (s *Source) UnlabeledBatch(ctx context.Context) (nn.Batch, error) {
	return s.next(ctx, s.unlabeled, &s.unlabOrder, &s.unlabPos)
}

func (s *Source) next(ctx context.Context, pool []sample, order *[]int, pos *int) (nn.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nn.Batch{}, err
	}
	picked := make([]sample, 0, s.batchSize)
	for len(picked) < s.batchSize {
		if *pos >= len(*order) {
			*order = s.rng.Perm(len(pool))
			*pos = 0
		}
		picked = append(picked, pool[(*order)[*pos]])
		*pos++
	}
	return s.buildBatch(picked), nil
}

// EvalBatches streams the held-out set in order over a channel.
func (s *Source) EvalBatches(ctx context.Context) (<-chan nn.Batch, <-chan error) {
	out := make(chan nn.Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for start := 0; start < len(s.eval); start += s.batchSize {
			end := start + s.batchSize
			if end > len(s.eval) {
				end = len(s.eval)
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- s.buildBatch(s.eval[start:end]):
			}
		}
	}()
	return out, errCh
}

func (s *Source) buildBatch(picked []sample) nn.Batch {
	inputs := mat.NewDense(len(picked), s.featureDim, nil)
	labels := make([]int, len(picked))
	for i, smp := range picked {
		copy(inputs.RawRowView(i), smp.features)
		labels[i] = smp.label
	}
	return nn.Batch{Inputs: inputs, Labels: labels}
}
