// Package config holds the YAML configuration of a fitting run.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tarstars/aln_fit/golang/aln_fit/alnl"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"github.com/tarstars/aln_fit/golang/aln_fit/dtree"
	"github.com/tarstars/aln_fit/golang/aln_fit/protocol"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// F-limit modes of the approximation phase.
const (
	FLimitOverride = "override"
	FLimitTable    = "table"
)

// Config is the complete configuration of a fitting run.
type Config struct {
	// RandomSeed seeds every random source of the run.
	RandomSeed    int64               `yaml:"random_seed"`
	Seed          SeedConfig          `yaml:"seed"`
	Tessellation  TessellationConfig  `yaml:"tessellation"`
	Approximation ApproximationConfig `yaml:"approximation"`
	Bagging       BaggingConfig       `yaml:"bagging"`
	Export        ExportConfig        `yaml:"export"`
	Logging       protocol.Config     `yaml:"logging"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
}

// SeedConfig configures the linear regression phase.
type SeedConfig struct {
	LearningRate       float64 `yaml:"learning_rate"`
	Iterations         int     `yaml:"iterations"`
	EpochsPerIteration int     `yaml:"epochs_per_iteration"`
}

// TessellationConfig configures the tessellation phase.
type TessellationConfig struct {
	Smoothing          float64 `yaml:"smoothing"`
	FLimit             float64 `yaml:"f_limit"`
	LearningRate       float64 `yaml:"learning_rate"`
	Iterations         int     `yaml:"iterations"`
	EpochsPerIteration int     `yaml:"epochs_per_iteration"`
	EpochsBeforeSplit  int     `yaml:"epochs_before_split"`
	// MaxLeaves of zero stops at one leaf per reference row.
	MaxLeaves int `yaml:"max_leaves"`
}

// ApproximationConfig configures the ensemble of approximation trees.
type ApproximationConfig struct {
	EnsembleSize       int     `yaml:"ensemble_size"`
	LearningRate       float64 `yaml:"learning_rate"`
	Iterations         int     `yaml:"iterations"`
	EpochsPerIteration int     `yaml:"epochs_per_iteration"`
	// FLimitMode is "override" (use FLimit) or "table" (derive it from the dimension).
	FLimitMode        string  `yaml:"f_limit_mode"`
	FLimit            float64 `yaml:"f_limit"`
	Smoothing         float64 `yaml:"smoothing"`
	Jitter            bool    `yaml:"jitter"`
	Policy            string  `yaml:"policy"`
	EpochsBeforeSplit int     `yaml:"epochs_before_split"`
	// MaxLeaves of zero caps every tree at one leaf per training row.
	MaxLeaves int `yaml:"max_leaves"`
}

// BaggingConfig configures the tree trained on the ensemble average.
type BaggingConfig struct {
	Enabled            bool    `yaml:"enabled"`
	LearningRate       float64 `yaml:"learning_rate"`
	Iterations         int     `yaml:"iterations"`
	EpochsPerIteration int     `yaml:"epochs_per_iteration"`
	FLimit             float64 `yaml:"f_limit"`
	Smoothing          float64 `yaml:"smoothing"`
	Policy             string  `yaml:"policy"`
	EpochsBeforeSplit  int     `yaml:"epochs_before_split"`
	// MaxLeaves of zero caps the tree at one leaf per reference row.
	MaxLeaves int `yaml:"max_leaves"`
}

// ExportConfig bounds the decision tree export.
type ExportConfig struct {
	MaxDepth int `yaml:"max_depth"`
	// MaxBlockPieces of zero lets one block hold every piece, so any tree exports.
	MaxBlockPieces int `yaml:"max_block_pieces"`
}

// Bound is an optional a priori slope bound.
type Bound struct {
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
}

// AnalysisConfig tunes the derivation of the constraint table.
type AnalysisConfig struct {
	DomainMargin float64       `yaml:"domain_margin"`
	WeightBounds map[int]Bound `yaml:"weight_bounds,omitempty"`
}

// DefaultConfig returns the default budgets of every phase.
func DefaultConfig() *Config {
	seed := alnl.DefaultSeedParams()
	tess := alnl.DefaultTessellationParams()
	approx := alnl.DefaultApproximationParams()
	bagging := alnl.DefaultBaggingParams()
	return &Config{
		RandomSeed: approx.RandomSeed,
		Seed: SeedConfig{
			LearningRate:       seed.LearningRate,
			Iterations:         seed.Iterations,
			EpochsPerIteration: seed.EpochsPerIteration,
		},
		Tessellation: TessellationConfig{
			Smoothing:          tess.Smoothing,
			FLimit:             tess.FLimit,
			LearningRate:       tess.LearningRate,
			Iterations:         tess.Iterations,
			EpochsPerIteration: tess.EpochsPerIteration,
			EpochsBeforeSplit:  tess.EpochsBeforeSplit,
		},
		Approximation: ApproximationConfig{
			EnsembleSize:       approx.Size,
			LearningRate:       approx.LearningRate,
			Iterations:         approx.Iterations,
			EpochsPerIteration: approx.EpochsPerIteration,
			FLimitMode:         FLimitOverride,
			FLimit:             approx.FLimit,
			Smoothing:          approx.Smoothing,
			Jitter:             approx.Jitter,
			Policy:             approx.Policy.String(),
			EpochsBeforeSplit:  approx.EpochsBeforeSplit,
			MaxLeaves:          approx.MaxLeaves,
		},
		Bagging: BaggingConfig{
			Enabled:            true,
			LearningRate:       bagging.LearningRate,
			Iterations:         bagging.Iterations,
			EpochsPerIteration: bagging.EpochsPerIteration,
			FLimit:             bagging.FLimit,
			Smoothing:          bagging.Smoothing,
			Policy:             bagging.Policy.String(),
			EpochsBeforeSplit:  bagging.EpochsBeforeSplit,
			MaxLeaves:          bagging.MaxLeaves,
		},
		Export: ExportConfig{
			MaxDepth: 16,
		},
		Logging: protocol.DefaultConfig(),
		Analysis: AnalysisConfig{
			DomainMargin: dataset.DefaultAnalysisParams().DomainMargin,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("ALN_FIT_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: ALN_FIT_SEED=%q", ErrInvalid, v)
		}
		c.RandomSeed = seed
	}
	if v := os.Getenv("ALN_FIT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ALN_FIT_ENSEMBLE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ALN_FIT_ENSEMBLE=%q", ErrInvalid, v)
		}
		c.Approximation.EnsembleSize = n
	}
	return nil
}

func checkBudget(section string, lr float64, iterations, epochs int) error {
	if !(lr > 0 && lr <= 1) {
		return fmt.Errorf("%w: %s.learning_rate %g not in (0, 1]", ErrInvalid, section, lr)
	}
	if iterations < 1 || epochs < 1 {
		return fmt.Errorf("%w: %s needs positive iterations and epochs_per_iteration", ErrInvalid, section)
	}
	return nil
}

// Validate checks the values that the training code can not recover from.
func (c *Config) Validate() error {
	if err := checkBudget("seed", c.Seed.LearningRate, c.Seed.Iterations, c.Seed.EpochsPerIteration); err != nil {
		return err
	}
	t := c.Tessellation
	if err := checkBudget("tessellation", t.LearningRate, t.Iterations, t.EpochsPerIteration); err != nil {
		return err
	}
	if t.Smoothing < 0 || t.FLimit <= 0 || t.MaxLeaves < 0 {
		return fmt.Errorf("%w: tessellation needs smoothing >= 0, f_limit > 0, max_leaves >= 0", ErrInvalid)
	}
	a := c.Approximation
	if err := checkBudget("approximation", a.LearningRate, a.Iterations, a.EpochsPerIteration); err != nil {
		return err
	}
	if a.EnsembleSize < 1 {
		return fmt.Errorf("%w: approximation.ensemble_size %d", ErrInvalid, a.EnsembleSize)
	}
	switch a.FLimitMode {
	case FLimitOverride:
		if a.FLimit <= 0 {
			return fmt.Errorf("%w: approximation.f_limit %g", ErrInvalid, a.FLimit)
		}
	case FLimitTable:
	default:
		return fmt.Errorf("%w: approximation.f_limit_mode %q", ErrInvalid, a.FLimitMode)
	}
	if a.Smoothing < 0 || a.MaxLeaves < 0 {
		return fmt.Errorf("%w: approximation needs smoothing >= 0 and max_leaves >= 0", ErrInvalid)
	}
	if _, err := alnl.ParseSplitPolicy(a.Policy); err != nil {
		return fmt.Errorf("%w: approximation: %v", ErrInvalid, err)
	}
	if b := c.Bagging; b.Enabled {
		if err := checkBudget("bagging", b.LearningRate, b.Iterations, b.EpochsPerIteration); err != nil {
			return err
		}
		if b.FLimit <= 0 || b.Smoothing < 0 || b.MaxLeaves < 0 {
			return fmt.Errorf("%w: bagging needs f_limit > 0, smoothing >= 0, max_leaves >= 0", ErrInvalid)
		}
		if _, err := alnl.ParseSplitPolicy(b.Policy); err != nil {
			return fmt.Errorf("%w: bagging: %v", ErrInvalid, err)
		}
	}
	if c.Export.MaxDepth < 0 || c.Export.MaxBlockPieces < 0 {
		return fmt.Errorf("%w: export limits must not be negative", ErrInvalid)
	}
	if _, err := protocol.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrInvalid, err)
	}
	if c.Analysis.DomainMargin < 0 {
		return fmt.Errorf("%w: analysis.domain_margin %g", ErrInvalid, c.Analysis.DomainMargin)
	}
	for axis, bound := range c.Analysis.WeightBounds {
		if bound.Min != nil && bound.Max != nil && *bound.Min > *bound.Max {
			return fmt.Errorf("%w: analysis.weight_bounds[%d] has min > max", ErrInvalid, axis)
		}
	}
	return nil
}

// SeedParams returns the parameters of alnl.FitSeed.
func (c *Config) SeedParams() alnl.SeedParams {
	return alnl.SeedParams{
		LearningRate:       c.Seed.LearningRate,
		Iterations:         c.Seed.Iterations,
		EpochsPerIteration: c.Seed.EpochsPerIteration,
	}
}

// TessellationParams returns the parameters of alnl.Tessellate.
func (c *Config) TessellationParams() alnl.TessellationParams {
	t := c.Tessellation
	return alnl.TessellationParams{
		Smoothing:          t.Smoothing,
		FLimit:             t.FLimit,
		LearningRate:       t.LearningRate,
		Iterations:         t.Iterations,
		EpochsPerIteration: t.EpochsPerIteration,
		EpochsBeforeSplit:  t.EpochsBeforeSplit,
		MaxLeaves:          t.MaxLeaves,
	}
}

// ApproximationParams returns the parameters of alnl.TrainEnsemble for data with the
// given number of inputs. Call Validate first.
func (c *Config) ApproximationParams(inputs int) alnl.ApproximationParams {
	a := c.Approximation
	fLimit := a.FLimit
	if a.FLimitMode == FLimitTable {
		fLimit = alnl.FLimitTable(inputs + 1)
	}
	policy, _ := alnl.ParseSplitPolicy(a.Policy)
	return alnl.ApproximationParams{
		Size:               a.EnsembleSize,
		LearningRate:       a.LearningRate,
		Iterations:         a.Iterations,
		EpochsPerIteration: a.EpochsPerIteration,
		FLimit:             fLimit,
		Smoothing:          a.Smoothing,
		Jitter:             a.Jitter,
		Policy:             policy,
		EpochsBeforeSplit:  a.EpochsBeforeSplit,
		MaxLeaves:          a.MaxLeaves,
		RandomSeed:         c.RandomSeed,
	}
}

// BaggingParams returns the parameters of Ensemble.TrainAverage. Call Validate first.
func (c *Config) BaggingParams() alnl.BaggingParams {
	b := c.Bagging
	policy, _ := alnl.ParseSplitPolicy(b.Policy)
	return alnl.BaggingParams{
		LearningRate:       b.LearningRate,
		Iterations:         b.Iterations,
		EpochsPerIteration: b.EpochsPerIteration,
		FLimit:             b.FLimit,
		Smoothing:          b.Smoothing,
		Policy:             policy,
		EpochsBeforeSplit:  b.EpochsBeforeSplit,
		MaxLeaves:          b.MaxLeaves,
	}
}

// AnalysisParams returns the parameters of dataset.Analyze. Missing bounds become NaN.
func (c *Config) AnalysisParams() dataset.AnalysisParams {
	params := dataset.AnalysisParams{DomainMargin: c.Analysis.DomainMargin}
	if len(c.Analysis.WeightBounds) > 0 {
		params.WeightPriors = make(map[int]dataset.WeightPrior, len(c.Analysis.WeightBounds))
	}
	for axis, bound := range c.Analysis.WeightBounds {
		prior := dataset.WeightPrior{Min: math.NaN(), Max: math.NaN()}
		if bound.Min != nil {
			prior.Min = *bound.Min
		}
		if bound.Max != nil {
			prior.Max = *bound.Max
		}
		params.WeightPriors[axis] = prior
	}
	return params
}

// DTreeOptions returns the export limits.
func (c *Config) DTreeOptions() dtree.Options {
	return dtree.Options{MaxDepth: c.Export.MaxDepth, MaxBlockPieces: c.Export.MaxBlockPieces}
}
