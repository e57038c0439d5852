package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run. It is populated once
// at startup and passed by value into components; nothing mutates it after
// Validate.
type Config struct {
	NumLabel     int     `yaml:"num_label"`
	Dataset      string  `yaml:"dataset"`
	TotalSteps   int     `yaml:"total_steps"`
	StartStep    int     `yaml:"start_step"`
	BatchSize    int     `yaml:"batch_size"`
	LR           float64 `yaml:"lr"`
	LRDecay      float64 `yaml:"lr_decay"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Momentum     float64 `yaml:"momentum"`
	Multiplier   float64 `yaml:"multiplier"`
	FixInner     bool    `yaml:"fix_inner"`
	RefinePolicy int     `yaml:"refine_policy"`
	PrintFreq    int     `yaml:"print_freq"`
	TestFreq     int     `yaml:"test_freq"`
	NumWorkers   int     `yaml:"num_workers"`
	Seed         int64   `yaml:"seed"`
	Resume       string  `yaml:"resume"`
	DataPath     string  `yaml:"data_path"`
	SavePath     string  `yaml:"save_path"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		NumLabel:     4000,
		Dataset:      "cifar10",
		TotalSteps:   120000,
		BatchSize:    128,
		LR:           0.1,
		LRDecay:      0.1,
		WeightDecay:  1e-4,
		Momentum:     0.9,
		Multiplier:   1,
		RefinePolicy: 0,
		PrintFreq:    50,
		TestFreq:     400,
		NumWorkers:   8,
		Seed:         42,
		DataPath:     "./data",
		SavePath:     "./results",
	}
}

// Overrides captures CLI supplied values.
type Overrides struct {
	NumLabel     int
	Dataset      string
	TotalSteps   int
	StartStep    int
	BatchSize    int
	LR           float64
	Multiplier   float64
	FixInner     bool
	RefinePolicy int
	TestFreq     int
	NumWorkers   int
	Seed         int64
	Resume       string
	DataPath     string
	SavePath     string
}

// Load reads and validates a Config from YAML. Missing keys keep defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.NumLabel > 0 {
		c.NumLabel = o.NumLabel
	}
	if o.Dataset != "" {
		c.Dataset = o.Dataset
	}
	if o.TotalSteps > 0 {
		c.TotalSteps = o.TotalSteps
	}
	if o.StartStep > 0 {
		c.StartStep = o.StartStep
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.Multiplier > 0 {
		c.Multiplier = o.Multiplier
	}
	if o.FixInner {
		c.FixInner = true
	}
	if o.RefinePolicy > 0 {
		c.RefinePolicy = o.RefinePolicy
	}
	if o.TestFreq > 0 {
		c.TestFreq = o.TestFreq
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Resume != "" {
		c.Resume = o.Resume
	}
	if o.DataPath != "" {
		c.DataPath = o.DataPath
	}
	if o.SavePath != "" {
		c.SavePath = o.SavePath
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Dataset != "cifar10" && c.Dataset != "svhn" {
		return fmt.Errorf("dataset must be cifar10 or svhn (got %q)", c.Dataset)
	}
	if c.NumLabel <= 0 {
		return fmt.Errorf("num_label must be > 0 (got %d)", c.NumLabel)
	}
	if c.TotalSteps <= 0 {
		return fmt.Errorf("total_steps must be > 0 (got %d)", c.TotalSteps)
	}
	if c.StartStep < 0 || c.StartStep >= c.TotalSteps {
		return fmt.Errorf("start_step must be in [0, total_steps) (got %d)", c.StartStep)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.LRDecay <= 0 || c.LRDecay > 1 {
		return fmt.Errorf("lr_decay must be in (0, 1] (got %g)", c.LRDecay)
	}
	if c.Multiplier <= 0 {
		return fmt.Errorf("multiplier must be > 0 (got %g)", c.Multiplier)
	}
	if c.RefinePolicy < 0 || c.RefinePolicy > 3 {
		return fmt.Errorf("refine_policy must be in {0,1,2,3} (got %d)", c.RefinePolicy)
	}
	if c.PrintFreq <= 0 {
		c.PrintFreq = 50
	}
	if c.TestFreq <= 0 {
		return fmt.Errorf("test_freq must be > 0 (got %d)", c.TestFreq)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.DataPath == "" {
		return errors.New("data_path must be set")
	}
	if c.SavePath == "" {
		return errors.New("save_path must be set")
	}
	return nil
}
