package telemetry

import (
	"testing"
	"time"
)

func TestNewAnalyzer(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	if analyzer == nil {
		t.Fatal("Expected non-nil Analyzer")
	}

	stats := analyzer.Stats()
	if stats.IsStable {
		t.Error("Expected initial stats to be unstable")
	}
	if stats.Trend != TrendStable {
		t.Errorf("Expected initial trend to be stable, got %s", stats.Trend)
	}
}

func TestNewAnalyzer_SanitizesConfig(t *testing.T) {
	cfg := Config{
		TransferWindow: -1,
		RTTWindow:      0,
		JitterAlpha:    5,
		LossCorrection: -0.5,
	}
	analyzer := NewAnalyzer(cfg)

	def := DefaultConfig()
	if analyzer.cfg.TransferWindow != def.TransferWindow {
		t.Errorf("Expected transfer window %d, got %d", def.TransferWindow, analyzer.cfg.TransferWindow)
	}
	if analyzer.cfg.RTTWindow != def.RTTWindow {
		t.Errorf("Expected rtt window %d, got %d", def.RTTWindow, analyzer.cfg.RTTWindow)
	}
	if analyzer.cfg.JitterAlpha != def.JitterAlpha {
		t.Errorf("Expected jitter alpha %f, got %f", def.JitterAlpha, analyzer.cfg.JitterAlpha)
	}
	if analyzer.cfg.LossCorrection != def.LossCorrection {
		t.Errorf("Expected loss correction %f, got %f", def.LossCorrection, analyzer.cfg.LossCorrection)
	}
}

func TestRecordTransfer_WindowBound(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	for i := 0; i < 40; i++ {
		analyzer.RecordTransfer(1024*1024, true, time.Second)
	}

	if got := analyzer.SampleCount(); got != DefaultConfig().TransferWindow {
		t.Errorf("Expected window to cap at %d samples, got %d", DefaultConfig().TransferWindow, got)
	}
}

func TestRecordTransfer_DurationFromElapsed(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	analyzer.RecordTransfer(1024, true)
	time.Sleep(10 * time.Millisecond)
	analyzer.RecordTransfer(1024, true)

	analyzer.mu.Lock()
	second := analyzer.samples[1]
	analyzer.mu.Unlock()

	if second.Duration <= 0 {
		t.Error("Expected second sample to derive a duration from elapsed time")
	}
	if second.ThroughputBps <= 0 {
		t.Error("Expected derived duration to produce a throughput")
	}
}

func TestRecordRTT_JitterSeeding(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	analyzer.RecordRTT(100)
	stats := analyzer.Recompute()
	if stats.JitterMs != 0 {
		t.Errorf("Expected first RTT to seed jitter at zero, got %f", stats.JitterMs)
	}

	analyzer.RecordRTT(200)
	analyzer.RecordRTT(50)
	stats = analyzer.Recompute()
	if stats.JitterMs <= 0 {
		t.Error("Expected jitter to grow with varying RTTs")
	}
	if stats.AverageRTTMs <= 0 {
		t.Error("Expected average RTT to be computed")
	}
	if stats.RTTVariationMs != 150 {
		t.Errorf("Expected RTT variation of 150ms, got %f", stats.RTTVariationMs)
	}
}

func TestRecordRTT_NegativeIgnored(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	analyzer.RecordRTT(-5)
	stats := analyzer.Recompute()
	if stats.AverageRTTMs != 0 {
		t.Error("Expected negative RTT to be discarded")
	}
}

func TestRecompute_Throughput(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	// 1 MiB per second, three samples
	for i := 0; i < 3; i++ {
		analyzer.RecordTransfer(1024*1024, true, time.Second)
	}

	stats := analyzer.Recompute()
	want := float64(1024 * 1024)
	if stats.CurrentThroughput < want*0.99 || stats.CurrentThroughput > want*1.01 {
		t.Errorf("Expected roughly %f B/s, got %f", want, stats.CurrentThroughput)
	}
	if stats.AverageThroughput <= 0 {
		t.Error("Expected average throughput to be seeded")
	}
	if stats.PeakThroughput < stats.CurrentThroughput {
		t.Error("Expected peak to be at least current throughput")
	}
}

func TestRecompute_HoldsPreviousWithThinWindow(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	for i := 0; i < 3; i++ {
		analyzer.RecordTransfer(1024*1024, true, time.Second)
	}
	first := analyzer.Recompute()

	analyzer.Reset()
	analyzer.RecordTransfer(512, true, time.Second)
	second := analyzer.Recompute()

	if second.CurrentThroughput != 0 {
		t.Errorf("Expected throughput to hold at zero with one sample, got %f", second.CurrentThroughput)
	}
	if first.CurrentThroughput == 0 {
		t.Error("Expected first recompute to produce a throughput")
	}
}

func TestStability_Hysteresis(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	for i := 0; i < 5; i++ {
		analyzer.RecordTransfer(1024*1024, true, time.Second)
	}

	// The flag only flips on after enough consecutive low-variance readings.
	stats := analyzer.Recompute()
	if stats.IsStable {
		t.Error("Expected instability after a single reading")
	}
	analyzer.Recompute()
	stats = analyzer.Recompute()
	if !stats.IsStable {
		t.Error("Expected stability after three consistent readings")
	}

	// One inconsistent reading flips it off immediately.
	analyzer.RecordTransfer(64, true, time.Second)
	analyzer.RecordTransfer(100*1024*1024, true, time.Second)
	analyzer.RecordTransfer(32, true, time.Second)
	stats = analyzer.Recompute()
	if stats.IsStable {
		t.Error("Expected instability after a wild throughput swing")
	}
}

func TestStability_CountsReadingsNotSamples(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	// A burst of consistent samples between ticks is still one reading.
	for i := 0; i < 12; i++ {
		analyzer.RecordTransfer(1024*1024, true, time.Second)
	}
	stats := analyzer.Recompute()
	if stats.IsStable {
		t.Error("Expected a single reading over many samples to leave the link unstable")
	}

	// Two more readings over the same window complete the run.
	analyzer.Recompute()
	stats = analyzer.Recompute()
	if !stats.IsStable {
		t.Error("Expected three consecutive readings to mark the link stable")
	}
}

func TestPacketLossEstimate(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	// Half failures, corrected by the retry discount.
	for i := 0; i < 4; i++ {
		analyzer.RecordTransfer(1024, i%2 == 0, time.Second)
	}
	stats := analyzer.Recompute()

	want := 0.5 * 0.7
	if stats.PacketLossEstimate < want-0.001 || stats.PacketLossEstimate > want+0.001 {
		t.Errorf("Expected loss estimate %f, got %f", want, stats.PacketLossEstimate)
	}
}

func TestTrend(t *testing.T) {
	tests := []struct {
		name        string
		throughputs []int64 // bytes over one second each
		want        Trend
	}{
		{"improving", []int64{1024 * 1024, 4 * 1024 * 1024, 4 * 1024 * 1024}, TrendImproving},
		{"degrading", []int64{4 * 1024 * 1024, 1024 * 1024, 1024 * 1024}, TrendDegrading},
		{"flat", []int64{1024 * 1024, 1024 * 1024, 1024 * 1024}, TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer := NewAnalyzer(DefaultConfig())
			for _, b := range tt.throughputs {
				analyzer.RecordTransfer(b, true, time.Second)
			}
			stats := analyzer.Recompute()
			if stats.Trend != tt.want {
				t.Errorf("Expected trend %s, got %s", tt.want, stats.Trend)
			}
		})
	}
}

func TestExtremeConditions(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	if analyzer.ExtremeConditions() {
		t.Error("Expected no extreme conditions with no data")
	}

	// Satellite-grade RTT
	for i := 0; i < 5; i++ {
		analyzer.RecordRTT(1200)
	}
	analyzer.Recompute()

	if !analyzer.ExtremeConditions() {
		t.Error("Expected extreme conditions with 1200ms average RTT")
	}
}

func TestReset(t *testing.T) {
	analyzer := NewAnalyzer(DefaultConfig())

	for i := 0; i < 5; i++ {
		analyzer.RecordTransfer(1024*1024, true, time.Second)
		analyzer.RecordRTT(100)
	}
	analyzer.Recompute()
	analyzer.Reset()

	if analyzer.SampleCount() != 0 {
		t.Error("Expected samples to be discarded")
	}
	stats := analyzer.Stats()
	if stats.CurrentThroughput != 0 || stats.AverageRTTMs != 0 {
		t.Error("Expected derived stats to be zeroed")
	}
}
