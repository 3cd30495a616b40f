package telemetry

// Tier is a discrete, totally ordered bucket of network quality.
type Tier int

const (
	TierOffline Tier = iota
	TierVeryPoor
	TierPoor
	TierLow
	TierModerate
	TierGood
	TierExcellent
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierOffline:
		return "offline"
	case TierVeryPoor:
		return "very_poor"
	case TierPoor:
		return "poor"
	case TierLow:
		return "low"
	case TierModerate:
		return "moderate"
	case TierGood:
		return "good"
	case TierExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// Distance returns the integer level difference between two tiers.
func (t Tier) Distance(other Tier) int {
	d := int(t) - int(other)
	if d < 0 {
		return -d
	}
	return d
}

// QualityResult is the assessment handed to the parameter adjuster and the
// endpoint selector.
type QualityResult struct {
	Tier     Tier
	Unstable bool
	Stats    PerformanceStats
}

// tierCut holds the minimum throughput and maximum RTT a tier tolerates.
// Checked from the top down; the first tier whose cuts are met wins.
type tierCut struct {
	tier          Tier
	minThroughput float64 // bytes/sec
	maxRTTMs      float64
	maxLoss       float64
}

var tierCuts = []tierCut{
	{TierExcellent, 5 * 1024 * 1024, 100, 0.01},
	{TierGood, 1024 * 1024, 250, 0.03},
	{TierModerate, 200 * 1024, 500, 0.08},
	{TierLow, 50 * 1024, 800, 0.15},
	{TierPoor, 10 * 1024, 1500, 0.30},
}

// Assess classifies the current statistics into a QualityResult. With no
// samples at all the link is assumed moderate rather than failing, the
// assessment is a best-effort recommendation.
func (a *Analyzer) Assess() QualityResult {
	a.mu.Lock()
	stats := a.stats
	sampleCount := len(a.samples)
	extreme := a.extremeLocked()
	a.mu.Unlock()

	result := QualityResult{
		Tier:     TierModerate,
		Unstable: !stats.IsStable || extreme,
		Stats:    stats,
	}
	if sampleCount == 0 {
		return result
	}

	// A window full of failures reads as an offline link.
	if stats.PacketLossEstimate >= 0.65 {
		result.Tier = TierOffline
		return result
	}

	result.Tier = classify(stats)
	return result
}

func classify(stats PerformanceStats) Tier {
	throughput := stats.CurrentThroughput
	if throughput <= 0 {
		throughput = stats.AverageThroughput
	}

	for _, cut := range tierCuts {
		if throughput < cut.minThroughput {
			continue
		}
		if stats.AverageRTTMs > 0 && stats.AverageRTTMs > cut.maxRTTMs {
			continue
		}
		if stats.PacketLossEstimate > cut.maxLoss {
			continue
		}
		return cut.tier
	}
	return TierVeryPoor
}
