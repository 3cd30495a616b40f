package uploader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stevedore-io/stevedore/pkg/config"
	"github.com/stevedore-io/stevedore/pkg/endpoint"
	"github.com/stevedore-io/stevedore/pkg/telemetry"
)

func TestNewSession(t *testing.T) {
	session := NewSession(nil, nil, nil)
	defer session.Close()

	if session.ID == "" {
		t.Error("Expected session to carry an ID")
	}
	if session.scheduler == nil {
		t.Error("Expected a fallback scheduler")
	}

	params := session.Parameters()
	if params.ChunkSize <= 0 || params.Concurrency < 1 {
		t.Errorf("Expected validated parameters, got %+v", params)
	}
}

func TestSession_DegradedLinkGetsConservativeParameters(t *testing.T) {
	session := NewSession(config.DefaultConfig(), NewSimpleScheduler(3), nil)
	defer session.Close()

	// A trickle with high RTT: 100 KiB/s and 900ms round trips.
	for i := 0; i < 5; i++ {
		session.RecordChunkUploaded(100*1024, time.Second)
		session.RecordRTT(900)
	}

	quality := session.Quality()
	if quality.Tier > telemetry.TierPoor {
		t.Errorf("Expected at most poor tier, got %s", quality.Tier)
	}
	if !quality.Unstable {
		t.Error("Expected unstable assessment before stability accumulates")
	}

	params := session.Parameters()
	if params.Concurrency > 2 {
		t.Errorf("Expected conservative concurrency of at most 2, got %d", params.Concurrency)
	}
	if params.RetryCount < 4 {
		t.Errorf("Expected at least 4 retries, got %d", params.RetryCount)
	}
	if !params.PrecheckEnabled {
		t.Error("Expected precheck to be forced on")
	}
	if params.RetryDelay < 1500*time.Millisecond {
		t.Errorf("Expected retry delay of at least 1.5s, got %s", params.RetryDelay)
	}
}

func TestSession_HealthyLinkRaisesParameters(t *testing.T) {
	session := NewSession(config.DefaultConfig(), NewSimpleScheduler(3), nil)
	defer session.Close()

	for i := 0; i < 10; i++ {
		session.RecordChunkUploaded(10*1024*1024, time.Second)
		session.RecordRTT(40)
	}
	// Let the stability hysteresis settle.
	session.Quality()
	session.Quality()
	quality := session.Quality()

	if quality.Tier != telemetry.TierExcellent {
		t.Fatalf("Expected excellent tier, got %s", quality.Tier)
	}
	if quality.Unstable {
		t.Error("Expected stable assessment after consistent readings")
	}

	params := session.Parameters()
	if params.RetryCount > 2 {
		t.Errorf("Expected few retries on an excellent link, got %d", params.RetryCount)
	}
	if params.PrecheckEnabled {
		t.Error("Expected precheck to be off on an excellent link")
	}
}

func TestSession_ChunkErrorsFeedLossEstimate(t *testing.T) {
	session := NewSession(config.DefaultConfig(), NewSimpleScheduler(3), nil)
	defer session.Close()

	for i := 0; i < 10; i++ {
		session.RecordChunkError(1024*1024, errors.New("connection reset by peer"))
	}

	quality := session.Quality()
	if quality.Tier != telemetry.TierOffline {
		t.Errorf("Expected offline tier after total failure, got %s", quality.Tier)
	}
}

func TestSession_PickEndpointNoCandidates(t *testing.T) {
	session := NewSession(config.DefaultConfig(), NewSimpleScheduler(3), nil)
	defer session.Close()

	_, err := session.PickEndpoint(context.Background(), 1024)
	if !errors.Is(err, endpoint.ErrNoAvailableEndpoint) {
		t.Errorf("Expected ErrNoAvailableEndpoint, got %v", err)
	}
}

func TestSession_SetConcurrencyManually(t *testing.T) {
	scheduler := NewSimpleScheduler(3)
	session := NewSession(config.DefaultConfig(), scheduler, nil)
	defer session.Close()

	session.SetConcurrencyManually(5, true)

	if got := session.RecommendedConcurrency(); got != 5 {
		t.Errorf("Expected recommendation of 5, got %d", got)
	}
	if got := scheduler.Concurrency(); got != 5 {
		t.Errorf("Expected scheduler limit of 5, got %d", got)
	}
}

func TestSession_RecordUploadResultFeedsLearning(t *testing.T) {
	session := NewSession(config.DefaultConfig(), NewSimpleScheduler(3), nil)
	defer session.Close()

	session.RecordUploadResult(true, 1024*1024)
	session.RecordUploadResult(false, 0)

	if got := session.adjuster.OutcomeCount(); got != 2 {
		t.Errorf("Expected 2 recorded outcomes, got %d", got)
	}
}

func TestSession_StartAppliesControllerChanges(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Flow.Interval = 10 * time.Millisecond
	cfg.Flow.BaseConcurrency = 3
	scheduler := NewSimpleScheduler(3)
	session := NewSession(cfg, scheduler, nil)

	for i := 0; i < 10; i++ {
		session.RecordChunkUploaded(10*1024*1024, time.Second)
		session.RecordRTT(40)
	}

	ctx := context.Background()
	session.Start(ctx)
	session.Start(ctx) // idempotent

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if scheduler.Concurrency() > 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	session.Close()

	if got := scheduler.Concurrency(); got <= 3 {
		t.Errorf("Expected an excellent link to raise the scheduler limit, got %d", got)
	}
}

func TestSimpleScheduler(t *testing.T) {
	scheduler := NewSimpleScheduler(0)
	if got := scheduler.Concurrency(); got != 1 {
		t.Errorf("Expected floor of 1, got %d", got)
	}

	scheduler.SetConcurrency(4)
	if got := scheduler.Concurrency(); got != 4 {
		t.Errorf("Expected 4, got %d", got)
	}

	scheduler.Pause()
	if !scheduler.Paused() {
		t.Error("Expected paused")
	}
	scheduler.Resume()
	if scheduler.Paused() {
		t.Error("Expected resumed")
	}
}
