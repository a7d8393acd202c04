package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/costpilot/costpilot/pkg/engine"
)

// AveragingMonitor smooths a noisy health source by averaging several
// samples taken over a short interval.
type AveragingMonitor struct {
	source   engine.HealthMonitor
	samples  int
	interval time.Duration
}

var _ engine.HealthMonitor = (*AveragingMonitor)(nil)

// NewAveragingMonitor wraps a health source. samples below 1 defaults to 3;
// a zero interval defaults to one second.
func NewAveragingMonitor(source engine.HealthMonitor, samples int, interval time.Duration) *AveragingMonitor {
	if samples < 1 {
		samples = 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &AveragingMonitor{
		source:   source,
		samples:  samples,
		interval: interval,
	}
}

// Sample returns the mean of the configured number of source samples.
func (m *AveragingMonitor) Sample(ctx context.Context, targetID string) (float64, error) {
	var total float64
	for i := 0; i < m.samples; i++ {
		if i > 0 {
			timer := time.NewTimer(m.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			case <-timer.C:
			}
		}

		score, err := m.source.Sample(ctx, targetID)
		if err != nil {
			return 0, fmt.Errorf("health sample %d failed: %w", i+1, err)
		}
		total += score
	}
	return total / float64(m.samples), nil
}

// StaticMonitor reports a fixed health score. Development and test use.
type StaticMonitor struct {
	Score float64
}

var _ engine.HealthMonitor = (*StaticMonitor)(nil)

// Sample returns the fixed score.
func (m *StaticMonitor) Sample(_ context.Context, _ string) (float64, error) {
	return m.Score, nil
}
