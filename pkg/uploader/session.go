// Package uploader wires the adaptive transport-control components into a
// per-upload session: one telemetry analyzer, one concurrency controller,
// one parameter adjuster, and one endpoint selector, all owned explicitly
// by the session rather than shared process-wide.
package uploader

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/stevedore-io/stevedore/pkg/config"
	"github.com/stevedore-io/stevedore/pkg/endpoint"
	stverrors "github.com/stevedore-io/stevedore/pkg/errors"
	"github.com/stevedore-io/stevedore/pkg/flow"
	"github.com/stevedore-io/stevedore/pkg/telemetry"
	"github.com/stevedore-io/stevedore/pkg/tuning"
)

// Session owns the control loop for one upload. Each uploader instance gets
// its own session; there is no cross-instance shared state.
type Session struct {
	ID string

	analyzer   *telemetry.Analyzer
	controller *flow.Controller
	adjuster   *tuning.Adjuster
	selector   *endpoint.Selector
	scheduler  TaskScheduler
	errors     *stverrors.Handler
	logger     *slog.Logger

	mu         sync.Mutex
	parameters tuning.Parameters
	store      *tuning.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	httpClient *http.Client
	store      *tuning.Store
}

// WithHTTPClient overrides the probe HTTP client.
func WithHTTPClient(client *http.Client) SessionOption {
	return func(o *sessionOptions) { o.httpClient = client }
}

// WithOutcomeStore attaches persistent learning storage. The session closes
// the store on Close.
func WithOutcomeStore(store *tuning.Store) SessionOption {
	return func(o *sessionOptions) { o.store = store }
}

// NewSession builds a session from configuration. The scheduler is the
// caller's collaborator; the session applies concurrency changes to it but
// never dispatches chunks itself.
func NewSession(cfg *config.Config, scheduler TaskScheduler, logger *slog.Logger, opts ...SessionOption) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if scheduler == nil {
		scheduler = NewSimpleScheduler(cfg.Flow.BaseConcurrency)
	}

	var options sessionOptions
	for _, opt := range opts {
		opt(&options)
	}

	analyzer := telemetry.NewAnalyzer(cfg.Telemetry)

	var adjusterOpts []tuning.Option
	if options.store != nil {
		adjusterOpts = append(adjusterOpts, tuning.WithStore(options.store))
	}
	adjuster := tuning.NewAdjuster(cfg.Tuning, logger, adjusterOpts...)

	s := &Session{
		ID:         uuid.NewString(),
		analyzer:   analyzer,
		controller: flow.NewController(cfg.Flow, analyzer, logger),
		adjuster:   adjuster,
		selector:   endpoint.NewSelector(cfg.Selector, options.httpClient, logger, cfg.Candidates()...),
		scheduler:  scheduler,
		errors:     stverrors.NewHandler(logger),
		logger:     logger,
		store:      options.store,
	}
	s.parameters = adjuster.Validate(tuning.Parameters{
		Concurrency: cfg.Flow.BaseConcurrency,
	})
	return s
}

// Start launches the adaptation loop and the event applier. Idempotent.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.controller.Start(loopCtx)
	go s.applyLoop(loopCtx)

	s.logger.Info("upload session started", "session", s.ID)
}

// applyLoop pushes controller change events into the task scheduler.
func (s *Session) applyLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-s.controller.Events():
			s.scheduler.SetConcurrency(change.New)
			s.logger.Info("applied concurrency change",
				"session", s.ID,
				"previous", change.Previous,
				"new", change.New,
				"reason", change.Reason,
				"tier", change.Tier.String())
		}
	}
}

// RecordChunkUploaded feeds a successful chunk transfer into telemetry.
func (s *Session) RecordChunkUploaded(bytes int64, duration time.Duration) {
	s.analyzer.RecordTransfer(bytes, true, duration)
	s.logger.Debug("chunk uploaded",
		"session", s.ID,
		"size", humanize.Bytes(uint64(bytes)),
		"duration", duration)
}

// RecordChunkError feeds a failed chunk transfer into telemetry and logs it
// with its category.
func (s *Session) RecordChunkError(bytes int64, err error) {
	s.analyzer.RecordTransfer(bytes, false)
	if err != nil {
		s.errors.LogError(err, "chunk_upload", "")
	}
}

// RecordRTT feeds a round-trip-time measurement into telemetry.
func (s *Session) RecordRTT(rttMs float64) {
	s.analyzer.RecordRTT(rttMs)
}

// Quality recomputes statistics and returns the current assessment. The
// controller is also informed so sharp drops trigger its degraded path
// without waiting for the next tick.
func (s *Session) Quality() telemetry.QualityResult {
	s.analyzer.Recompute()
	quality := s.analyzer.Assess()
	s.controller.ObserveQuality(quality.Tier)
	return quality
}

// Parameters reconciles the adjuster's recommendation with the concurrency
// controller's committed value. The controller caps concurrency from above;
// an adjuster recommendation below the cap stands.
func (s *Session) Parameters() tuning.Parameters {
	quality := s.Quality()

	s.mu.Lock()
	current := s.parameters
	s.mu.Unlock()

	params := s.adjuster.Adjust(quality, current)
	if recommended := s.controller.Recommended(); recommended < params.Concurrency {
		params.Concurrency = recommended
	}
	params = s.adjuster.Validate(params)

	s.mu.Lock()
	s.parameters = params
	s.mu.Unlock()
	return params
}

// PickEndpoint probes the candidate pool and selects the best endpoint for
// a payload of the given size.
func (s *Session) PickEndpoint(ctx context.Context, payloadBytes int64) (endpoint.Candidate, error) {
	quality := s.Quality()
	candidates := s.selector.Available(ctx)
	picked, err := s.selector.SelectOptimal(quality, candidates, payloadBytes)
	if err != nil {
		return endpoint.Candidate{}, s.errors.Wrap(err, "pick_endpoint", "")
	}
	return picked, nil
}

// RecordUploadResult records how a completed transfer went for adaptive
// learning.
func (s *Session) RecordUploadResult(success bool, transferRate float64) {
	quality := s.analyzer.Assess()

	s.mu.Lock()
	params := s.parameters
	s.mu.Unlock()

	s.adjuster.RecordResult(quality, params, success, transferRate)
}

// Stats returns the current performance statistics.
func (s *Session) Stats() telemetry.PerformanceStats {
	return s.analyzer.Recompute()
}

// RecommendedConcurrency returns the controller's committed value.
func (s *Session) RecommendedConcurrency() int {
	return s.controller.Recommended()
}

// SetConcurrencyManually overrides the controller and applies the value to
// the scheduler immediately.
func (s *Session) SetConcurrencyManually(n int, temporary bool) {
	s.controller.SetManually(n, temporary)
	s.scheduler.SetConcurrency(s.controller.Recommended())
}

// Selector exposes the endpoint selector for manual enable/disable.
func (s *Session) Selector() *endpoint.Selector {
	return s.selector
}

// Close stops adaptation, discards in-flight probe effects, and releases
// the outcome store if one is attached.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.controller.Stop()
	s.selector.Close()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("error closing outcome store", "error", err)
		}
	}
	s.logger.Info("upload session closed", "session", s.ID)
}
