// Package checkpoint persists and restores the training state bundle:
// step counter, best score, model parameters and optimizer state.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"metalabel/internal/nn"
)

const (
	latestName = "checkpoint.gob"
	bestName   = "best.gob"
)

// Record is the durable snapshot written at every evaluation boundary.
type Record struct {
	Step      int
	BestScore float64
	RunID     string
	Model     nn.State
	Optimizer nn.SGDState
}

// Manager writes the "latest" and "best" checkpoint variants under a
// directory and restores records on resume.
type Manager struct {
	dir string
	log *slog.Logger
}

// NewManager creates the directory if needed.
func NewManager(dir string, log *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Manager{dir: dir, log: log}, nil
}

// LatestPath returns the path of the "latest" variant.
func (m *Manager) LatestPath() string { return filepath.Join(m.dir, latestName) }

// BestPath returns the path of the "best" variant.
func (m *Manager) BestPath() string { return filepath.Join(m.dir, bestName) }

// Save writes rec as the latest checkpoint, atomically via a temp file, and
// additionally as the best checkpoint when isBest is set.
func (m *Manager) Save(rec Record, isBest bool) error {
	tmp := m.LatestPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: create: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp, m.LatestPath()); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	if isBest {
		data, err := os.ReadFile(m.LatestPath())
		if err != nil {
			return fmt.Errorf("checkpoint: read latest for best copy: %w", err)
		}
		if err := os.WriteFile(m.BestPath(), data, 0o644); err != nil {
			return fmt.Errorf("checkpoint: write best: %w", err)
		}
	}
	m.log.Info("checkpoint saved",
		slog.Int("step", rec.Step),
		slog.Float64("best_score", rec.BestScore),
		slog.Bool("is_best", isBest),
	)
	return nil
}

// Load reads a checkpoint record from path. A missing file is not an error:
// a notice is logged and a nil record returned so training starts fresh.
func (m *Manager) Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		m.log.Info("no checkpoint found, starting fresh", slog.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	defer f.Close()

	var rec Record
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return &rec, nil
}
