// Package tuning maps network-quality assessments to full upload parameter
// sets. Preset tables per quality tier are refined by historical outcome
// data when adaptive learning is enabled.
package tuning

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stevedore-io/stevedore/pkg/telemetry"
)

// Parameters is a complete upload parameter set. Values handed to callers
// are always validated into the configured bounds first.
type Parameters struct {
	ChunkSize       int64         `yaml:"chunk_size" mapstructure:"chunk_size"`
	Concurrency     int           `yaml:"concurrency" mapstructure:"concurrency"`
	RetryCount      int           `yaml:"retry_count" mapstructure:"retry_count"`
	RetryDelay      time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PrecheckEnabled bool          `yaml:"precheck_enabled" mapstructure:"precheck_enabled"`
	UseWorker       bool          `yaml:"use_worker" mapstructure:"use_worker"`
}

// Outcome records how one completed transfer went with a given parameter
// set. Outcomes are append-only; the learning lookup never mutates them.
type Outcome struct {
	Tier         telemetry.Tier `yaml:"tier"`
	Parameters   Parameters     `yaml:"parameters"`
	Success      bool           `yaml:"success"`
	TransferRate float64        `yaml:"transfer_rate"`
	At           time.Time      `yaml:"at"`
}

// Config bounds the produced parameters and controls learning.
type Config struct {
	MinChunkSize   int64 `yaml:"min_chunk_size" mapstructure:"min_chunk_size"`
	MaxChunkSize   int64 `yaml:"max_chunk_size" mapstructure:"max_chunk_size"`
	MinConcurrency int   `yaml:"min_concurrency" mapstructure:"min_concurrency"`
	MaxConcurrency int   `yaml:"max_concurrency" mapstructure:"max_concurrency"`

	// AdaptiveLearning substitutes historically best chunk/concurrency
	// pairs into recommendations once enough outcomes accumulate.
	AdaptiveLearning bool `yaml:"adaptive_learning" mapstructure:"adaptive_learning"`

	// HistorySize bounds the outcome ring buffer.
	HistorySize int `yaml:"history_size" mapstructure:"history_size"`
}

// DefaultConfig returns the default adjuster configuration.
func DefaultConfig() Config {
	return Config{
		MinChunkSize:     256 * 1024,
		MaxChunkSize:     64 * 1024 * 1024,
		MinConcurrency:   1,
		MaxConcurrency:   8,
		AdaptiveLearning: true,
		HistorySize:      20,
	}
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = def.MinChunkSize
	}
	if c.MaxChunkSize < c.MinChunkSize {
		c.MaxChunkSize = c.MinChunkSize
	}
	if c.MinConcurrency < 1 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.HistorySize < 1 {
		c.HistorySize = def.HistorySize
	}
	return c
}

// learnMinOutcomes is how many successful outcomes a tier needs before the
// learning lookup kicks in; learnMargin is how much the best pair must beat
// the tier average by.
const (
	learnMinOutcomes = 5
	learnMargin      = 1.2
)

// Adjuster produces and smooths upload parameter sets.
type Adjuster struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	presets  map[telemetry.Tier]Parameters
	outcomes []Outcome
	store    *Store
}

// Option configures an Adjuster.
type Option func(*Adjuster)

// WithStore attaches persistent outcome storage. Previously stored outcomes
// seed the in-memory ring on construction.
func WithStore(store *Store) Option {
	return func(a *Adjuster) { a.store = store }
}

// WithPresets replaces the default per-tier preset table.
func WithPresets(presets map[telemetry.Tier]Parameters) Option {
	return func(a *Adjuster) {
		for tier, p := range presets {
			a.presets[tier] = p
		}
	}
}

// NewAdjuster creates an adjuster with the default preset table.
func NewAdjuster(cfg Config, logger *slog.Logger, opts ...Option) *Adjuster {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adjuster{
		cfg:     cfg.sanitize(),
		logger:  logger,
		presets: defaultPresets(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.store != nil {
		stored, err := a.store.LoadOutcomes()
		if err != nil {
			a.logger.Warn("could not load stored outcomes", "error", err)
		} else if len(stored) > 0 {
			if excess := len(stored) - a.cfg.HistorySize; excess > 0 {
				stored = stored[excess:]
			}
			a.outcomes = stored
			a.logger.Debug("seeded outcome history from store", "outcomes", len(stored))
		}
	}
	return a
}

// defaultPresets is the monotone per-tier parameter table.
func defaultPresets() map[telemetry.Tier]Parameters {
	return map[telemetry.Tier]Parameters{
		telemetry.TierOffline: {
			ChunkSize: 256 * 1024, Concurrency: 1, RetryCount: 6,
			RetryDelay: 3 * time.Second, Timeout: 60 * time.Second,
			PrecheckEnabled: true, UseWorker: false,
		},
		telemetry.TierVeryPoor: {
			ChunkSize: 512 * 1024, Concurrency: 1, RetryCount: 5,
			RetryDelay: 2 * time.Second, Timeout: 60 * time.Second,
			PrecheckEnabled: true, UseWorker: false,
		},
		telemetry.TierPoor: {
			ChunkSize: 1024 * 1024, Concurrency: 2, RetryCount: 4,
			RetryDelay: 1500 * time.Millisecond, Timeout: 45 * time.Second,
			PrecheckEnabled: true, UseWorker: true,
		},
		telemetry.TierLow: {
			ChunkSize: 2 * 1024 * 1024, Concurrency: 3, RetryCount: 3,
			RetryDelay: time.Second, Timeout: 30 * time.Second,
			PrecheckEnabled: true, UseWorker: true,
		},
		telemetry.TierModerate: {
			ChunkSize: 4 * 1024 * 1024, Concurrency: 4, RetryCount: 3,
			RetryDelay: 800 * time.Millisecond, Timeout: 30 * time.Second,
			PrecheckEnabled: false, UseWorker: true,
		},
		telemetry.TierGood: {
			ChunkSize: 8 * 1024 * 1024, Concurrency: 6, RetryCount: 2,
			RetryDelay: 500 * time.Millisecond, Timeout: 20 * time.Second,
			PrecheckEnabled: false, UseWorker: true,
		},
		telemetry.TierExcellent: {
			ChunkSize: 16 * 1024 * 1024, Concurrency: 8, RetryCount: 2,
			RetryDelay: 300 * time.Millisecond, Timeout: 15 * time.Second,
			PrecheckEnabled: false, UseWorker: true,
		},
	}
}

// Recommended looks up the preset for the assessed tier, substituting the
// historically best chunk/concurrency pair when learning has enough data
// and the best pair clearly beats the tier average.
func (a *Adjuster) Recommended(quality telemetry.QualityResult) Parameters {
	a.mu.Lock()
	defer a.mu.Unlock()

	params, ok := a.presets[quality.Tier]
	if !ok {
		params = a.presets[telemetry.TierModerate]
	}

	if a.cfg.AdaptiveLearning {
		if best, ok := a.bestOutcomeLocked(quality.Tier); ok {
			params.ChunkSize = best.Parameters.ChunkSize
			params.Concurrency = best.Parameters.Concurrency
			a.logger.Debug("substituted learned parameters",
				"tier", quality.Tier.String(),
				"chunk_size", best.Parameters.ChunkSize,
				"concurrency", best.Parameters.Concurrency)
		}
	}

	return a.validate(params)
}

// bestOutcomeLocked returns the best performing successful outcome for the
// tier, but only when there are enough records and it beats the average by
// the learning margin.
func (a *Adjuster) bestOutcomeLocked(tier telemetry.Tier) (Outcome, bool) {
	var (
		best  Outcome
		found bool
		sum   float64
		count int
	)
	for _, o := range a.outcomes {
		if o.Tier != tier || !o.Success || o.TransferRate <= 0 {
			continue
		}
		sum += o.TransferRate
		count++
		if !found || o.TransferRate > best.TransferRate {
			best = o
			found = true
		}
	}

	if !found || count < learnMinOutcomes {
		return Outcome{}, false
	}
	avg := sum / float64(count)
	if best.TransferRate <= avg*learnMargin {
		return Outcome{}, false
	}
	return best, true
}

// Adjust transitions from the current parameter set toward the
// recommendation. An unstable assessment routes to the conservative path;
// otherwise the transition is smoothed so no single call swings parameters
// violently.
func (a *Adjuster) Adjust(quality telemetry.QualityResult, current Parameters) Parameters {
	recommended := a.Recommended(quality)

	if quality.Unstable {
		return a.validate(conservative(current, recommended))
	}
	return a.validate(smooth(current, recommended))
}

// conservative shrinks chunking and concurrency while raising retries and
// timeouts. Precheck is forced on.
func conservative(current, recommended Parameters) Parameters {
	out := recommended
	out.ChunkSize = minInt64(current.ChunkSize, recommended.ChunkSize) * 3 / 4
	out.Concurrency = minInt(minInt(current.Concurrency, recommended.Concurrency), 2)
	out.RetryCount = maxInt(maxInt(current.RetryCount, recommended.RetryCount), 4)
	out.RetryDelay = maxDuration(maxDuration(current.RetryDelay, recommended.RetryDelay), 1500*time.Millisecond)
	out.Timeout = maxDuration(maxDuration(current.Timeout, recommended.Timeout), 45*time.Second)
	out.PrecheckEnabled = true
	return out
}

// smooth caps the per-call movement: chunk size changes by at most 2x up or
// 0.5x down, concurrency by at most 2 in either direction.
func smooth(current, recommended Parameters) Parameters {
	out := recommended

	if current.ChunkSize > 0 {
		if recommended.ChunkSize > current.ChunkSize*2 {
			out.ChunkSize = current.ChunkSize * 2
		} else if recommended.ChunkSize < current.ChunkSize/2 {
			out.ChunkSize = current.ChunkSize / 2
		}
	}

	if current.Concurrency > 0 {
		diff := recommended.Concurrency - current.Concurrency
		if diff > 2 {
			out.Concurrency = current.Concurrency + 2
		} else if diff < -2 {
			out.Concurrency = current.Concurrency - 2
		}
	}

	return out
}

// Validate clamps the parameter set into bounds. It always returns a valid
// set and cannot fail.
func (a *Adjuster) Validate(params Parameters) Parameters {
	return a.validate(params)
}

func (a *Adjuster) validate(params Parameters) Parameters {
	if params.ChunkSize < a.cfg.MinChunkSize {
		params.ChunkSize = a.cfg.MinChunkSize
	}
	if params.ChunkSize > a.cfg.MaxChunkSize {
		params.ChunkSize = a.cfg.MaxChunkSize
	}
	if params.Concurrency < a.cfg.MinConcurrency {
		params.Concurrency = a.cfg.MinConcurrency
	}
	if params.Concurrency > a.cfg.MaxConcurrency {
		params.Concurrency = a.cfg.MaxConcurrency
	}
	if params.RetryCount < 0 {
		params.RetryCount = 0
	}
	if params.RetryDelay < 200*time.Millisecond {
		params.RetryDelay = 200 * time.Millisecond
	}
	if params.Timeout < 5*time.Second {
		params.Timeout = 5 * time.Second
	}
	return params
}

// RecordResult appends a historical outcome for the learning lookup. When a
// store is attached the outcome is also persisted, best effort.
func (a *Adjuster) RecordResult(quality telemetry.QualityResult, params Parameters, success bool, transferRate float64) {
	outcome := Outcome{
		Tier:         quality.Tier,
		Parameters:   params,
		Success:      success,
		TransferRate: transferRate,
		At:           time.Now(),
	}

	a.mu.Lock()
	a.outcomes = append(a.outcomes, outcome)
	if len(a.outcomes) > a.cfg.HistorySize {
		a.outcomes = a.outcomes[len(a.outcomes)-a.cfg.HistorySize:]
	}
	store := a.store
	a.mu.Unlock()

	if store != nil {
		if err := store.SaveOutcome(outcome); err != nil {
			a.logger.Warn("could not persist outcome", "error", err)
		}
	}
}

// OutcomeCount returns the number of retained outcomes.
func (a *Adjuster) OutcomeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outcomes)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
