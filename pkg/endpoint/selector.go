// Package endpoint probes, scores, and selects transport endpoints (paths
// or CDN nodes) for chunk uploads. Selection strategy varies with the
// assessed network-quality tier; candidate health is tracked from probe and
// transfer results.
package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/stevedore-io/stevedore/pkg/telemetry"
)

// ErrNoAvailableEndpoint is returned when selection is invoked with an
// empty or fully disabled candidate pool. Callers fall back to their
// default endpoint.
var ErrNoAvailableEndpoint = errors.New("no available endpoint")

// Candidate is a transport target competing for selection. Weight and
// Availability are recomputed from the per-candidate tally; they are never
// the source of truth themselves.
type Candidate struct {
	ID           string  `yaml:"id" mapstructure:"id"`
	URL          string  `yaml:"url" mapstructure:"url"`
	Region       string  `yaml:"region" mapstructure:"region"`
	LatencyMs    float64 `yaml:"latency_ms" mapstructure:"latency_ms"`
	Weight       float64 `yaml:"weight" mapstructure:"weight"`
	Availability float64 `yaml:"availability" mapstructure:"availability"`
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
}

// tally is the durable per-candidate probe/transfer record.
type tally struct {
	successes      int
	failures       int
	totalLatencyMs float64
	samples        int
	autoDisabled   bool
}

// Config controls probing and health tracking.
type Config struct {
	// ProbeTimeout bounds each liveness probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`

	// AvailabilityFloor is the availability below which a candidate is
	// auto-disabled once MinSamples have accumulated.
	AvailabilityFloor float64 `yaml:"availability_floor" mapstructure:"availability_floor"`

	// MinSamples is the minimum number of observations before auto-disable
	// may trigger.
	MinSamples int `yaml:"min_samples" mapstructure:"min_samples"`

	// LocalRegion marks the caller's region for same-region preference on
	// large payloads.
	LocalRegion string `yaml:"local_region" mapstructure:"local_region"`

	// LargePayloadBytes is the payload size past which same-region
	// candidates are preferred on good links.
	LargePayloadBytes int64 `yaml:"large_payload_bytes" mapstructure:"large_payload_bytes"`
}

// DefaultConfig returns the default selector configuration.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:      5 * time.Second,
		AvailabilityFloor: 0.2,
		MinSamples:        5,
		LargePayloadBytes: 10 * 1024 * 1024,
	}
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.AvailabilityFloor <= 0 || c.AvailabilityFloor >= 1 {
		c.AvailabilityFloor = def.AvailabilityFloor
	}
	if c.MinSamples < 1 {
		c.MinSamples = def.MinSamples
	}
	if c.LargePayloadBytes <= 0 {
		c.LargePayloadBytes = def.LargePayloadBytes
	}
	return c
}

// Selector owns a candidate pool and its health tallies.
type Selector struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu         sync.RWMutex
	candidates map[string]*Candidate
	tallies    map[string]*tally
	order      []string
	closed     bool
}

// NewSelector creates a selector over the given candidates. A nil client
// falls back to a timeout-bounded default.
func NewSelector(cfg Config, client *http.Client, logger *slog.Logger, candidates ...Candidate) *Selector {
	cfg = cfg.sanitize()
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Selector{
		cfg:        cfg,
		client:     client,
		logger:     logger,
		candidates: make(map[string]*Candidate, len(candidates)),
		tallies:    make(map[string]*tally, len(candidates)),
	}
	for i := range candidates {
		c := candidates[i]
		if c.ID == "" {
			c.ID = c.URL
		}
		c.Enabled = true
		if c.Availability == 0 {
			c.Availability = 1
		}
		s.candidates[c.ID] = &c
		s.tallies[c.ID] = &tally{}
		s.order = append(s.order, c.ID)
	}
	return s
}

// Available probes every known candidate concurrently, refreshes tallies
// and scores, and returns the enabled candidates sorted by weight
// descending. Probe failures only degrade availability; they are never
// surfaced as errors.
func (s *Selector) Available(ctx context.Context) []Candidate {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	var wg conc.WaitGroup
	for _, id := range ids {
		id := id
		wg.Go(func() {
			s.probe(ctx, id)
		})
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	available := make([]Candidate, 0, len(s.order))
	for _, id := range s.order {
		c := s.candidates[id]
		s.rescoreLocked(id)
		if c.Enabled {
			available = append(available, *c)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Weight > available[j].Weight
	})
	return available
}

// probe issues one lightweight liveness request against a candidate and
// records the result. Results arriving after Close are discarded.
func (s *Selector) probe(ctx context.Context, id string) {
	s.mu.RLock()
	c, ok := s.candidates[id]
	if !ok || s.closed {
		s.mu.RUnlock()
		return
	}
	url := c.URL
	s.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, nil)
	if err != nil {
		s.RecordResult(id, false, 0)
		return
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := float64(time.Since(start).Milliseconds())

	if err != nil {
		s.logger.Debug("endpoint probe failed", "endpoint", id, "error", err)
		s.RecordResult(id, false, 0)
		return
	}
	_ = resp.Body.Close()

	ok = resp.StatusCode < http.StatusInternalServerError
	s.RecordResult(id, ok, elapsed)
}

// RecordResult folds a probe or transfer observation into the candidate's
// tally. Safe to call from any goroutine; idempotent merging means probe
// completion order does not matter.
func (s *Selector) RecordResult(id string, success bool, latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	t, ok := s.tallies[id]
	if !ok {
		return
	}

	t.samples++
	if success {
		t.successes++
		t.totalLatencyMs += latencyMs
	} else {
		t.failures++
	}
	s.rescoreLocked(id)
}

// rescoreLocked recomputes availability, mean latency, weight, and the
// auto-disable flag from the tally.
func (s *Selector) rescoreLocked(id string) {
	c := s.candidates[id]
	t := s.tallies[id]
	if t.samples == 0 {
		return
	}

	c.Availability = float64(t.successes) / float64(t.samples)
	if t.successes > 0 {
		c.LatencyMs = t.totalLatencyMs / float64(t.successes)
	}
	c.Weight = clamp01(c.Availability*0.6 + latencyScore(c.LatencyMs)*0.4)

	if !t.autoDisabled && t.samples >= s.cfg.MinSamples && c.Availability < s.cfg.AvailabilityFloor {
		t.autoDisabled = true
		c.Enabled = false
		s.logger.Warn("endpoint auto-disabled",
			"endpoint", id,
			"availability", c.Availability,
			"samples", t.samples)
	}
}

// latencyScore maps latency onto [0,1]; lower latency scores higher.
func latencyScore(latencyMs float64) float64 {
	if latencyMs < 0 {
		latencyMs = 0
	}
	return clamp01(1000 / (latencyMs + 100))
}

// SelectOptimal picks the best candidate for the current transfer. The
// strategy branches on the quality tier; a single-element pool
// short-circuits, and an empty pool is ErrNoAvailableEndpoint.
func (s *Selector) SelectOptimal(quality telemetry.QualityResult, candidates []Candidate, payloadBytes int64) (Candidate, error) {
	enabled := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}

	if len(enabled) == 0 {
		return Candidate{}, ErrNoAvailableEndpoint
	}
	if len(enabled) == 1 {
		return enabled[0], nil
	}

	switch {
	case quality.Tier <= telemetry.TierPoor:
		return selectResponsive(enabled), nil
	case quality.Tier <= telemetry.TierModerate:
		return selectBalanced(enabled), nil
	default:
		return s.selectFastest(enabled, payloadBytes), nil
	}
}

// selectResponsive prioritizes responsiveness on constrained links: lowest
// latency first, then the most available of the top three.
func selectResponsive(candidates []Candidate) Candidate {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LatencyMs < sorted[j].LatencyMs
	})

	top := sorted
	if len(top) > 3 {
		top = top[:3]
	}

	best := top[0]
	for _, c := range top[1:] {
		if c.Availability > best.Availability {
			best = c
		}
	}
	return best
}

// selectBalanced blends latency, weight, and availability.
func selectBalanced(candidates []Candidate) Candidate {
	best := candidates[0]
	bestScore := math.Inf(-1)
	for _, c := range candidates {
		score := latencyScore(c.LatencyMs)*0.4 + c.Weight*0.3 + c.Availability*0.3
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

// selectFastest favors highly available candidates on good links, with a
// same-region preference for large payloads.
func (s *Selector) selectFastest(candidates []Candidate, payloadBytes int64) Candidate {
	pool := candidates

	highAvail := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if c.Availability > 0.8 {
			highAvail = append(highAvail, c)
		}
	}
	if len(highAvail) > 0 {
		pool = highAvail
	}

	if payloadBytes > s.cfg.LargePayloadBytes && s.cfg.LocalRegion != "" {
		local := make([]Candidate, 0, len(pool))
		for _, c := range pool {
			if c.Region == s.cfg.LocalRegion {
				local = append(local, c)
			}
		}
		if len(local) > 0 {
			pool = local
		}
	}

	best := pool[0]
	for _, c := range pool[1:] {
		if c.Weight > best.Weight {
			best = c
		}
	}
	return best
}

// Enable re-enables a candidate, clearing any auto-disable.
func (s *Selector) Enable(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.candidates[id]; ok {
		c.Enabled = true
		s.tallies[id].autoDisabled = false
	}
}

// Disable manually removes a candidate from selection.
func (s *Selector) Disable(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.candidates[id]; ok {
		c.Enabled = false
	}
}

// Candidates returns a snapshot of every known candidate in registration
// order, enabled or not.
func (s *Selector) Candidates() []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Candidate, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.candidates[id])
	}
	return out
}

// Close stops the selector from accepting further observations. In-flight
// probes complete but their effect is discarded.
func (s *Selector) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
