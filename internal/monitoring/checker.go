package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/config"
	"github.com/sells-group/lookalike/internal/metrics"
)

// Checker runs periodic job health checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *metrics.Metrics
	cfg       config.MonitoringConfig
}

// NewChecker creates a background health checker. m may be nil.
func NewChecker(collector *Collector, alerter *Alerter, m *metrics.Metrics, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   m,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting job health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Duration("stall_after", c.cfg.StallAfter()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("job health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check runs one collection and returns the number of alerts delivered.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours, c.cfg.StallAfter())
	if err != nil {
		log.Error("monitoring: failed to collect job health", zap.Error(err))
		return 0
	}
	c.metrics.ObserveJobs(snap.InFlight, snap.Stalled)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered",
			zap.Int("in_flight", snap.InFlight),
			zap.Int("finished", snap.Finished()),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}
