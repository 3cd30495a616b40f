// Package telemetry aggregates raw transfer-completion and round-trip-time
// events into smoothed, windowed network performance statistics for the
// adaptive upload controllers.
package telemetry

import (
	"math"
	"sync"
	"time"
)

// TransferSample records a single completed (or failed) chunk transfer.
type TransferSample struct {
	Timestamp     time.Time
	Bytes         int64
	Duration      time.Duration
	ThroughputBps float64
	Success       bool
	LatencyMs     float64
}

// Trend classifies the recent throughput direction.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// PerformanceStats is the derived view over the sample windows. All ratio
// fields stay within [0,1]; throughput fields are bytes per second.
type PerformanceStats struct {
	CurrentThroughput  float64
	AverageThroughput  float64
	PeakThroughput     float64
	JitterMs           float64
	PacketLossEstimate float64
	RTTVariationMs     float64
	AverageRTTMs       float64
	IsStable           bool
	Trend              Trend
	LastUpdate         time.Time
}

// Config tunes the analyzer windows and smoothing constants. The smoothing
// factors and thresholds are empirically chosen defaults; they are exposed
// here rather than hard-coded so callers can override them.
type Config struct {
	// TransferWindow is the max number of retained transfer samples.
	TransferWindow int `yaml:"transfer_window" mapstructure:"transfer_window"`

	// RTTWindow is the max number of retained RTT samples.
	RTTWindow int `yaml:"rtt_window" mapstructure:"rtt_window"`

	// ThroughputWindow bounds how far back current-throughput computation looks.
	ThroughputWindow time.Duration `yaml:"throughput_window" mapstructure:"throughput_window"`

	// StabilityRuns is the number of consecutive low-variance readings
	// required before the stable flag flips on.
	StabilityRuns int `yaml:"stability_runs" mapstructure:"stability_runs"`

	// CVThreshold is the coefficient-of-variation ceiling for a reading to
	// count as stable.
	CVThreshold float64 `yaml:"cv_threshold" mapstructure:"cv_threshold"`

	// JitterAlpha is the EMA factor applied to the newest |ΔRTT|.
	JitterAlpha float64 `yaml:"jitter_alpha" mapstructure:"jitter_alpha"`

	// ThroughputAlpha is the EMA factor applied to the newest throughput.
	ThroughputAlpha float64 `yaml:"throughput_alpha" mapstructure:"throughput_alpha"`

	// LossCorrection discounts the raw failure rate, since retries mask
	// some real loss.
	LossCorrection float64 `yaml:"loss_correction" mapstructure:"loss_correction"`

	// Extreme-condition trip points.
	ExtremeLoss           float64 `yaml:"extreme_loss" mapstructure:"extreme_loss"`
	ExtremeRTTVariationMs float64 `yaml:"extreme_rtt_variation_ms" mapstructure:"extreme_rtt_variation_ms"`
	ExtremeRTTMs          float64 `yaml:"extreme_rtt_ms" mapstructure:"extreme_rtt_ms"`
	ExtremeThroughputBps  float64 `yaml:"extreme_throughput_bps" mapstructure:"extreme_throughput_bps"`
	ExtremeJitterMs       float64 `yaml:"extreme_jitter_ms" mapstructure:"extreme_jitter_ms"`
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		TransferWindow:        15,
		RTTWindow:             20,
		ThroughputWindow:      5 * time.Second,
		StabilityRuns:         3,
		CVThreshold:           0.3,
		JitterAlpha:           0.3,
		ThroughputAlpha:       0.3,
		LossCorrection:        0.7,
		ExtremeLoss:           0.15,
		ExtremeRTTVariationMs: 200,
		ExtremeRTTMs:          1000,
		ExtremeThroughputBps:  20 * 1024,
		ExtremeJitterMs:       100,
	}
}

// sanitize clamps nonsense values back to defaults rather than failing, the
// analyzer is a best-effort estimator and never refuses to construct.
func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.TransferWindow < 2 {
		c.TransferWindow = def.TransferWindow
	}
	if c.RTTWindow < 2 {
		c.RTTWindow = def.RTTWindow
	}
	if c.ThroughputWindow <= 0 {
		c.ThroughputWindow = def.ThroughputWindow
	}
	if c.StabilityRuns < 1 {
		c.StabilityRuns = def.StabilityRuns
	}
	if c.CVThreshold <= 0 {
		c.CVThreshold = def.CVThreshold
	}
	if c.JitterAlpha <= 0 || c.JitterAlpha > 1 {
		c.JitterAlpha = def.JitterAlpha
	}
	if c.ThroughputAlpha <= 0 || c.ThroughputAlpha > 1 {
		c.ThroughputAlpha = def.ThroughputAlpha
	}
	if c.LossCorrection <= 0 || c.LossCorrection > 1 {
		c.LossCorrection = def.LossCorrection
	}
	return c
}

// Analyzer ingests transfer and RTT events and derives PerformanceStats.
// All entry points are safe under concurrent writers; transfer-completion
// callbacks funnel through a single mutex before touching the windows.
type Analyzer struct {
	mu  sync.Mutex
	cfg Config

	samples []TransferSample
	rtts    []float64

	stats        PerformanceStats
	jitterMs     float64
	jitterSeeded bool
	emaSeeded    bool
	lastSampleAt time.Time
	stableRuns   int
}

// NewAnalyzer creates an analyzer with the given configuration.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{
		cfg:     cfg.sanitize(),
		samples: make([]TransferSample, 0, cfg.TransferWindow),
		rtts:    make([]float64, 0, cfg.RTTWindow),
		stats:   PerformanceStats{Trend: TrendStable},
	}
}

// RecordTransfer appends a transfer sample. When no explicit duration is
// given it is computed from the elapsed time since the previous sample.
// Pure bookkeeping, always succeeds.
func (a *Analyzer) RecordTransfer(bytes int64, success bool, duration ...time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	var d time.Duration
	if len(duration) > 0 && duration[0] > 0 {
		d = duration[0]
	} else if !a.lastSampleAt.IsZero() {
		d = now.Sub(a.lastSampleAt)
	}
	a.lastSampleAt = now

	sample := TransferSample{
		Timestamp: now,
		Bytes:     bytes,
		Duration:  d,
		Success:   success,
	}
	if d > 0 {
		sample.ThroughputBps = float64(bytes) / d.Seconds()
	}

	a.samples = append(a.samples, sample)
	if len(a.samples) > a.cfg.TransferWindow {
		a.samples = a.samples[len(a.samples)-a.cfg.TransferWindow:]
	}
}

// RecordRTT appends a raw round-trip-time measurement and folds it into the
// jitter EMA. The first sample seeds jitter to zero.
func (a *Analyzer) RecordRTT(rttMs float64) {
	if rttMs < 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.rtts) > 0 {
		delta := math.Abs(rttMs - a.rtts[len(a.rtts)-1])
		a.jitterMs = a.jitterMs*(1-a.cfg.JitterAlpha) + delta*a.cfg.JitterAlpha
	} else if !a.jitterSeeded {
		a.jitterMs = 0
		a.jitterSeeded = true
	}

	a.rtts = append(a.rtts, rttMs)
	if len(a.rtts) > a.cfg.RTTWindow {
		a.rtts = a.rtts[len(a.rtts)-a.cfg.RTTWindow:]
	}
}

// Recompute performs the windowed recomputation and returns the fresh stats.
// Insufficient data holds previous values, never errors.
func (a *Analyzer) Recompute() PerformanceStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.recomputeThroughputLocked()
	a.recomputeRTTLocked()
	a.recomputeStabilityLocked()
	a.recomputeLossLocked()
	a.recomputeTrendLocked()
	a.stats.LastUpdate = time.Now()

	return a.stats
}

// Stats returns the last computed statistics without recomputing.
func (a *Analyzer) Stats() PerformanceStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// ExtremeConditions reports whether the link is degraded enough that
// downstream components should force conservative behavior.
func (a *Analyzer) ExtremeConditions() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.extremeLocked()
}

func (a *Analyzer) extremeLocked() bool {
	s := a.stats
	return s.PacketLossEstimate > a.cfg.ExtremeLoss ||
		s.RTTVariationMs > a.cfg.ExtremeRTTVariationMs ||
		s.AverageRTTMs > a.cfg.ExtremeRTTMs ||
		(s.CurrentThroughput > 0 && s.CurrentThroughput < a.cfg.ExtremeThroughputBps) ||
		s.JitterMs > a.cfg.ExtremeJitterMs
}

// Reset discards all sample windows and derived state.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = a.samples[:0]
	a.rtts = a.rtts[:0]
	a.stats = PerformanceStats{Trend: TrendStable}
	a.jitterMs = 0
	a.jitterSeeded = false
	a.emaSeeded = false
	a.lastSampleAt = time.Time{}
	a.stableRuns = 0
}

func (a *Analyzer) recomputeThroughputLocked() {
	cutoff := time.Now().Add(-a.cfg.ThroughputWindow)

	var bytes int64
	var dur time.Duration
	var inWindow int
	for _, s := range a.samples {
		if s.Timestamp.Before(cutoff) || s.Duration <= 0 {
			continue
		}
		bytes += s.Bytes
		dur += s.Duration
		inWindow++
	}

	// Hold the previous value when the window is too thin to trust.
	if inWindow < 2 || dur <= 0 {
		return
	}

	current := float64(bytes) / dur.Seconds()
	a.stats.CurrentThroughput = current

	if !a.emaSeeded {
		a.stats.AverageThroughput = current
		a.emaSeeded = true
	} else {
		alpha := a.cfg.ThroughputAlpha
		a.stats.AverageThroughput = a.stats.AverageThroughput*(1-alpha) + current*alpha
	}

	if current > a.stats.PeakThroughput {
		a.stats.PeakThroughput = current
	}
}

func (a *Analyzer) recomputeRTTLocked() {
	a.stats.JitterMs = a.jitterMs
	if len(a.rtts) == 0 {
		return
	}

	minRTT, maxRTT, sum := a.rtts[0], a.rtts[0], 0.0
	for _, rtt := range a.rtts {
		if rtt < minRTT {
			minRTT = rtt
		}
		if rtt > maxRTT {
			maxRTT = rtt
		}
		sum += rtt
	}
	a.stats.RTTVariationMs = maxRTT - minRTT
	a.stats.AverageRTTMs = sum / float64(len(a.rtts))
}

// recomputeStabilityLocked applies hysteresis: the stable flag only flips on
// after StabilityRuns consecutive low-variance readings, but flips off
// immediately on one inconsistent reading.
func (a *Analyzer) recomputeStabilityLocked() {
	k := a.cfg.StabilityRuns
	if len(a.samples) < k {
		return
	}

	recent := a.samples[len(a.samples)-k:]
	mean := 0.0
	n := 0
	for _, s := range recent {
		if s.ThroughputBps > 0 {
			mean += s.ThroughputBps
			n++
		}
	}
	if n < 2 {
		return
	}
	mean /= float64(n)

	variance := 0.0
	for _, s := range recent {
		if s.ThroughputBps > 0 {
			diff := s.ThroughputBps - mean
			variance += diff * diff
		}
	}
	variance /= float64(n)
	cv := math.Sqrt(variance) / mean

	if cv < a.cfg.CVThreshold {
		a.stableRuns++
		if a.stableRuns >= a.cfg.StabilityRuns {
			a.stats.IsStable = true
		}
	} else {
		a.stableRuns = 0
		a.stats.IsStable = false
	}
}

func (a *Analyzer) recomputeLossLocked() {
	if len(a.samples) == 0 {
		return
	}
	successes := 0
	for _, s := range a.samples {
		if s.Success {
			successes++
		}
	}
	rate := float64(successes) / float64(len(a.samples))
	loss := (1 - rate) * a.cfg.LossCorrection
	a.stats.PacketLossEstimate = math.Min(math.Max(loss, 0), 1)
}

// recomputeTrendLocked compares average throughput across the first and
// second halves of the most recent samples.
func (a *Analyzer) recomputeTrendLocked() {
	const trendSamples = 3
	if len(a.samples) < trendSamples {
		a.stats.Trend = TrendStable
		return
	}

	recent := a.samples[len(a.samples)-trendSamples:]
	half := len(recent) / 2
	if half == 0 {
		half = 1
	}

	first := avgThroughput(recent[:half])
	second := avgThroughput(recent[half:])
	if first <= 0 {
		a.stats.Trend = TrendStable
		return
	}

	switch ratio := second / first; {
	case ratio > 1.2:
		a.stats.Trend = TrendImproving
	case ratio < 0.8:
		a.stats.Trend = TrendDegrading
	default:
		a.stats.Trend = TrendStable
	}
}

func avgThroughput(samples []TransferSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.ThroughputBps
	}
	return sum / float64(len(samples))
}

// SampleCount returns the number of retained transfer samples.
func (a *Analyzer) SampleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.samples)
}
