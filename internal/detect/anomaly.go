package detect

import (
	"fmt"
	"math"
	"sync"
)

// AnomalyThreshold is the score below which an event is anomalous.
const AnomalyThreshold = -0.5

// anomalyFeatures maps an event-type family to the numeric data fields
// its baseline is built over.
var anomalyFeatures = map[string][]string{
	"authentication": {"timestamp_hour", "user_id", "source_ip", "success"},
	"network":        {"bytes_in", "bytes_out", "dest_port", "protocol"},
	"process":        {"cpu_percent", "memory_percent", "open_files"},
	"file":           {"file_size", "entropy", "magic_number"},
}

// AnomalyScorer holds a per-feature Gaussian baseline for one event
// family. Until Fit is called it scores nothing.
type AnomalyScorer struct {
	EventType string
	Features  []string

	mu     sync.RWMutex
	mean   []float64
	stddev []float64
	fitted bool
}

// NewAnomalyScorers builds the default scorer set, one per family.
func NewAnomalyScorers() map[string]*AnomalyScorer {
	out := make(map[string]*AnomalyScorer, len(anomalyFeatures))
	for et, features := range anomalyFeatures {
		out[et] = &AnomalyScorer{EventType: et, Features: features}
	}
	return out
}

// Fit computes the per-feature mean and standard deviation over the
// training rows. Rows must be feature-ordered to match Features.
func (s *AnomalyScorer) Fit(rows [][]float64) error {
	if len(rows) == 0 {
		return fmt.Errorf("no training rows")
	}
	n := len(s.Features)
	for i, row := range rows {
		if len(row) != n {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), n)
		}
	}

	mean := make([]float64, n)
	for _, row := range rows {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(len(rows))
	}

	stddev := make([]float64, n)
	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			stddev[j] += d * d
		}
	}
	for j := range stddev {
		stddev[j] = math.Sqrt(stddev[j] / float64(len(rows)))
		if stddev[j] == 0 {
			// Constant features contribute no deviation signal.
			stddev[j] = 1
		}
	}

	s.mu.Lock()
	s.mean = mean
	s.stddev = stddev
	s.fitted = true
	s.mu.Unlock()
	return nil
}

// Score returns the negative mean normalized deviation scaled so two
// standard deviations sit at the alert threshold. An unfitted scorer
// returns (0, false).
func (s *AnomalyScorer) Score(values []float64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.fitted || len(values) != len(s.mean) {
		return 0, false
	}
	var sum float64
	for j, v := range values {
		sum += math.Abs(v-s.mean[j]) / s.stddev[j]
	}
	avgZ := sum / float64(len(values))
	return -avgZ / 4, true
}

// FeatureValues extracts the scorer's feature vector from event data;
// missing or non-numeric fields read as zero.
func (s *AnomalyScorer) FeatureValues(data map[string]interface{}) []float64 {
	out := make([]float64, len(s.Features))
	for j, feature := range s.Features {
		if raw, ok := data[feature]; ok {
			if f, err := toFloat(raw); err == nil {
				out[j] = f
			}
		}
	}
	return out
}
