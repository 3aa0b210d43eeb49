// Package worker runs the periodic drain passes and bounds their concurrency
package worker

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/metrics"
)

// PassFunc performs one pass over a queue
type PassFunc func(ctx context.Context) error

// Poller runs a pass, waits interval plus a random jitter, and repeats.
// A failed pass is logged and the next one runs on schedule.
type Poller struct {
	name     string
	interval time.Duration
	jitter   time.Duration
	pass     PassFunc
	logger   *zap.Logger
}

// NewPoller creates a poller. interval is raised to minInterval if lower.
func NewPoller(name string, interval, minInterval, jitter time.Duration, pass PassFunc, logger *zap.Logger) *Poller {
	if interval < minInterval {
		interval = minInterval
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Poller{
		name:     name,
		interval: interval,
		jitter:   jitter,
		pass:     pass,
		logger:   logger.With(zap.String("job", name)),
	}
}

// Run blocks until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", zap.Duration("interval", p.interval), zap.Duration("jitter", p.jitter))
	for {
		start := time.Now()
		if err := p.pass(ctx); err != nil && ctx.Err() == nil {
			metrics.PassErrors.WithLabelValues(p.name).Inc()
			p.logger.Error("pass failed", zap.Error(err))
		}
		metrics.PassDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())

		timer := time.NewTimer(p.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("poller stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (p *Poller) nextDelay() time.Duration {
	if p.jitter == 0 {
		return p.interval
	}
	return p.interval + rand.N(p.jitter)
}
