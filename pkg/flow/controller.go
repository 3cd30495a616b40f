// Package flow implements the closed-loop concurrency controller that steers
// how many chunk uploads may be in flight at once. It reads smoothed
// telemetry on a periodic tick and publishes change events on a channel that
// collaborators subscribe to.
package flow

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stevedore-io/stevedore/pkg/telemetry"
)

// Phase identifies the controller state machine position.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAdapting  Phase = "adapting"
	PhaseExploring Phase = "exploring"
	PhaseDegraded  Phase = "degraded"
)

// Assessor supplies the controller with fresh statistics and a quality
// assessment each tick. *telemetry.Analyzer satisfies it.
type Assessor interface {
	Recompute() telemetry.PerformanceStats
	Assess() telemetry.QualityResult
}

// Change is emitted whenever the committed concurrency moves.
type Change struct {
	ID       string
	Previous int
	New      int
	Reason   string
	Tier     telemetry.Tier
	At       time.Time
}

// Config carries the static bounds and tuning knobs, supplied at
// construction. Invalid values are clamped rather than rejected.
type Config struct {
	// MinConcurrency and MaxConcurrency bound every committed value.
	MinConcurrency int `yaml:"min_concurrency" mapstructure:"min_concurrency"`
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`

	// BaseConcurrency is the starting point before any adaptation.
	BaseConcurrency int `yaml:"base_concurrency" mapstructure:"base_concurrency"`

	// Interval is the adaptation tick cadence.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// Aggressiveness in [0,1]: higher means faster concurrency swings.
	Aggressiveness float64 `yaml:"aggressiveness" mapstructure:"aggressiveness"`

	// RampUpStep and RampDownStep bound the per-tick correction. Ramp-down
	// is larger than ramp-up so backoff is fast and growth is slow.
	RampUpStep   int `yaml:"ramp_up_step" mapstructure:"ramp_up_step"`
	RampDownStep int `yaml:"ramp_down_step" mapstructure:"ramp_down_step"`

	// UnchangedRoundsLimit is how many discarded adaptations precede an
	// exploration perturbation.
	UnchangedRoundsLimit int `yaml:"unchanged_rounds_limit" mapstructure:"unchanged_rounds_limit"`

	// Hold is the minimum quiet period before small corrections are allowed
	// through the hysteresis gate in a noisy regime.
	Hold time.Duration `yaml:"hold" mapstructure:"hold"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MinConcurrency:       1,
		MaxConcurrency:       8,
		BaseConcurrency:      3,
		Interval:             5 * time.Second,
		Aggressiveness:       0.5,
		RampUpStep:           1,
		RampDownStep:         2,
		UnchangedRoundsLimit: 5,
		Hold:                 10 * time.Second,
	}
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.MinConcurrency < 1 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.BaseConcurrency < c.MinConcurrency {
		c.BaseConcurrency = c.MinConcurrency
	}
	if c.BaseConcurrency > c.MaxConcurrency {
		c.BaseConcurrency = c.MaxConcurrency
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Aggressiveness <= 0 || c.Aggressiveness > 1 {
		c.Aggressiveness = def.Aggressiveness
	}
	if c.RampUpStep < 1 {
		c.RampUpStep = def.RampUpStep
	}
	if c.RampDownStep < c.RampUpStep {
		c.RampDownStep = c.RampUpStep + 1
	}
	if c.UnchangedRoundsLimit < 1 {
		c.UnchangedRoundsLimit = def.UnchangedRoundsLimit
	}
	if c.Hold <= 0 {
		c.Hold = 2 * c.Interval
	}
	return c
}

// State is the controller's mutable adaptation state. Invariant:
// MinConcurrency <= Current <= MaxConcurrency.
type State struct {
	Current         int
	Phase           Phase
	LastAdaptation  time.Time
	AdaptationCount int
	StabilityScore  float64
	UnchangedRounds int
}

// Controller computes the next concurrency degree from telemetry. It never
// fails; its only externally observable effect is the emitted value, which a
// task scheduler collaborator enforces.
type Controller struct {
	cfg      Config
	assessor Assessor
	logger   *slog.Logger

	mu    sync.Mutex
	state State

	lastTier       telemetry.Tier
	tierSeen       bool
	prevThroughput float64
	prevRTT        float64
	prevValue      int

	manualHold bool

	events chan Change
	rnd    *rand.Rand
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a controller around the given assessor.
func NewController(cfg Config, assessor Assessor, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.sanitize()
	return &Controller{
		cfg:      cfg,
		assessor: assessor,
		logger:   logger,
		state: State{
			Current:        cfg.BaseConcurrency,
			Phase:          PhaseIdle,
			StabilityScore: 0.5,
		},
		prevValue: cfg.BaseConcurrency,
		events:    make(chan Change, 32),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the periodic adaptation loop. Idempotent.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.adaptationLoop(loopCtx)
}

// Stop cancels the periodic loop. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Events exposes the change notification stream.
func (c *Controller) Events() <-chan Change {
	return c.events
}

// Recommended returns the current committed concurrency.
func (c *Controller) Recommended() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Current
}

// Snapshot returns a copy of the adaptation state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetManually overrides the committed concurrency. A non-temporary override
// also pauses adaptation until ClearManual is called.
func (c *Controller) SetManually(n int, temporary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n = c.clamp(n)
	prev := c.state.Current
	c.state.Current = n
	c.state.LastAdaptation = time.Now()
	c.manualHold = !temporary

	if n != prev {
		c.emitLocked(prev, n, "manual", c.lastTier)
	}
}

// ClearManual resumes adaptation after a non-temporary manual override.
func (c *Controller) ClearManual() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manualHold = false
}

// ObserveQuality feeds an out-of-band tier observation. A drop of two or
// more levels triggers the degraded fast path immediately, bypassing the
// tick cadence.
func (c *Controller) ObserveQuality(tier telemetry.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tierSeen && int(c.lastTier)-int(tier) >= 2 {
		c.degradeLocked(tier)
	}
	c.lastTier = tier
	c.tierSeen = true
}

func (c *Controller) adaptationLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick runs one adaptation decision. Exactly one decision is in flight at a
// time per controller instance.
func (c *Controller) tick() {
	stats := c.assessor.Recompute()
	quality := c.assessor.Assess()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manualHold {
		return
	}

	tier := quality.Tier
	if c.tierSeen && int(c.lastTier)-int(tier) >= 2 {
		c.degradeLocked(tier)
		c.lastTier = tier
		c.recordObservationLocked(stats)
		return
	}
	c.lastTier = tier
	c.tierSeen = true

	c.state.Phase = PhaseAdapting
	c.updateStabilityLocked(stats)

	// Exploration: after enough discarded rounds on a stable link, perturb
	// to test whether a better operating point exists.
	if c.state.UnchangedRounds > c.cfg.UnchangedRoundsLimit &&
		c.state.StabilityScore > 0.8 &&
		tier >= telemetry.TierModerate {
		c.exploreLocked(tier)
		c.recordObservationLocked(stats)
		return
	}

	// Bottom-tier regimes keep stepping down toward the floor: a link this
	// poor is never worth holding above the minimum.
	if tier <= telemetry.TierPoor {
		c.backoffLocked(tier)
		c.recordObservationLocked(stats)
		return
	}

	base := c.baseForTier(tier)
	target := base + c.trendAdjustmentLocked(stats)
	target = c.clamp(target)

	// Hysteresis: commit large moves always; small moves only once enough
	// time has passed and the regime is noisy enough to warrant correction.
	delta := target - c.state.Current
	commit := abs(delta) >= 2 ||
		(target != c.state.Current &&
			time.Since(c.state.LastAdaptation) >= c.cfg.Hold &&
			c.state.StabilityScore <= 0.7)

	if !commit {
		c.state.UnchangedRounds++
		c.recordObservationLocked(stats)
		return
	}

	reason := "quality_tier"
	switch {
	case delta > 0 && c.state.StabilityScore > 0.5:
		reason = "throughput_rise"
	case delta < 0:
		reason = "latency_backoff"
	}
	c.commitLocked(target, reason, tier)
	c.recordObservationLocked(stats)
}

// baseForTier maps the quality tier to a base concurrency via a monotone
// table, clamped into bounds.
func (c *Controller) baseForTier(tier telemetry.Tier) int {
	max := float64(c.cfg.MaxConcurrency)
	var base float64
	switch tier {
	case telemetry.TierExcellent:
		base = max
	case telemetry.TierGood:
		base = 0.8 * max
	case telemetry.TierModerate:
		base = 0.6 * max
	case telemetry.TierLow:
		base = 0.5 * max
	case telemetry.TierPoor:
		base = 0.4 * max
	case telemetry.TierVeryPoor:
		base = 0.25 * max
	default: // offline
		base = float64(c.cfg.MinConcurrency)
	}
	return c.clamp(int(math.Round(base)))
}

// trendAdjustmentLocked derives the continuous correction from the recent
// throughput and latency movement.
func (c *Controller) trendAdjustmentLocked(stats telemetry.PerformanceStats) int {
	if c.prevThroughput <= 0 {
		return 0
	}

	throughputRise := stats.CurrentThroughput/c.prevThroughput - 1
	latencyRise := 0.0
	if c.prevRTT > 0 {
		latencyRise = (stats.AverageRTTMs - c.prevRTT) / c.prevRTT
	}

	if latencyRise > 0.5 {
		return -c.scaledStep(c.cfg.RampDownStep)
	}
	if throughputRise > 0.1 && c.state.Current >= c.prevValue && latencyRise <= 0.5 {
		return c.scaledStep(c.cfg.RampUpStep)
	}
	return 0
}

// recordObservationLocked remembers this tick's readings so the next tick
// can reason about movement.
func (c *Controller) recordObservationLocked(stats telemetry.PerformanceStats) {
	if stats.CurrentThroughput > 0 {
		c.prevThroughput = stats.CurrentThroughput
	}
	if stats.AverageRTTMs > 0 {
		c.prevRTT = stats.AverageRTTMs
	}
	c.prevValue = c.state.Current
}

func (c *Controller) scaledStep(step int) int {
	scaled := int(math.Round(float64(step) * c.cfg.Aggressiveness))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// updateStabilityLocked folds the latest stability reading into a [0,1]
// score.
func (c *Controller) updateStabilityLocked(stats telemetry.PerformanceStats) {
	observation := 0.0
	if stats.IsStable {
		observation = 1.0
	}
	score := c.state.StabilityScore*0.8 + observation*0.2
	c.state.StabilityScore = math.Min(math.Max(score, 0), 1)
}

// exploreLocked perturbs the committed value by one step with a bias toward
// increase, then resets the unchanged-round counter.
func (c *Controller) exploreLocked(tier telemetry.Tier) {
	c.state.Phase = PhaseExploring

	perturbation := 1
	if c.rnd.Float64() >= 0.7 {
		perturbation = -1
	}
	target := c.clamp(c.state.Current + perturbation)
	if target != c.state.Current {
		c.commitLocked(target, "exploration", tier)
	}
	c.state.UnchangedRounds = 0
}

// backoffLocked steps concurrency down one ramp at a time while the link
// sits in the bottom tiers, converging on MinConcurrency.
func (c *Controller) backoffLocked(tier telemetry.Tier) {
	target := c.clamp(c.state.Current - c.scaledStep(c.cfg.RampDownStep))
	if base := c.baseForTier(tier); target > base {
		target = base
	}
	if target >= c.state.Current {
		c.state.UnchangedRounds++
		return
	}
	c.commitLocked(target, "latency_backoff", tier)
}

// degradeLocked reduces concurrency immediately on a sharp quality drop.
func (c *Controller) degradeLocked(tier telemetry.Tier) {
	c.state.Phase = PhaseDegraded

	reduction := 2 * c.cfg.RampDownStep
	if floor := c.state.Current - c.cfg.MinConcurrency; reduction > floor {
		reduction = floor
	}
	if reduction <= 0 {
		return
	}
	c.commitLocked(c.state.Current-reduction, "quality_collapse", tier)
}

func (c *Controller) commitLocked(value int, reason string, tier telemetry.Tier) {
	value = c.clamp(value)
	prev := c.state.Current
	if value == prev {
		return
	}

	c.state.Current = value
	c.state.LastAdaptation = time.Now()
	c.state.AdaptationCount++
	c.state.UnchangedRounds = 0

	c.emitLocked(prev, value, reason, tier)
}

func (c *Controller) emitLocked(prev, next int, reason string, tier telemetry.Tier) {
	change := Change{
		ID:       ulid.Make().String(),
		Previous: prev,
		New:      next,
		Reason:   reason,
		Tier:     tier,
		At:       time.Now(),
	}

	select {
	case c.events <- change:
	default:
		// Subscriber is lagging. Shed the oldest buffered event so the
		// newest committed value always reaches it.
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- change:
		default:
		}
		c.logger.Debug("shed oldest concurrency change event, subscriber lagging",
			"previous", prev, "new", next, "reason", reason)
	}

	c.logger.Debug("concurrency adapted",
		"previous", prev,
		"new", next,
		"reason", reason,
		"tier", tier.String(),
		"stability", c.state.StabilityScore)
}

func (c *Controller) clamp(n int) int {
	if n < c.cfg.MinConcurrency {
		return c.cfg.MinConcurrency
	}
	if n > c.cfg.MaxConcurrency {
		return c.cfg.MaxConcurrency
	}
	return n
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
