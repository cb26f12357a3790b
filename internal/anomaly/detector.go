package anomaly

import (
	"fmt"
)

// Detector flags unusual water usage against a customer's recent history
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new usage detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// MinDataPoints returns how many historical usages are needed before spikes are flagged
func (d *Detector) MinDataPoints() int {
	return d.minDataPointsForDetection
}

// DetectAnomaly checks whether usage (m3) is unusual given previous usages, newest first.
// A flagged reading is still billed; the reason is kept on the ledger entry.
func (d *Detector) DetectAnomaly(usage float64, historicalUsages []float64) (bool, string) {
	if usage < 0 {
		return true, "negative usage"
	}

	// Need enough historical data for spike detection
	if len(historicalUsages) < d.minDataPointsForDetection {
		return false, ""
	}

	sum := 0.0
	for _, v := range historicalUsages {
		sum += v
	}
	average := sum / float64(len(historicalUsages))

	if average > 0 && usage > d.spikeThreshold*average {
		return true, fmt.Sprintf("usage spike: %.2f m3 exceeds %.1fx rolling average %.2f m3",
			usage, d.spikeThreshold, average)
	}

	return false, ""
}
