package metrics

import (
	"log/slog"
	"time"

	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/VictoriaMetrics/metrics"
)

var startTime = time.Now()

var _ = metrics.NewGauge(`process_uptime_seconds`, func() float64 {
	return time.Since(startTime).Seconds()
})

// Setup enables pushing to a remote-write endpoint when one is configured.
// Scrape-based deployments leave the URL empty and read GET /metrics instead.
func Setup(cfg config.Metrics, logger *slog.Logger) {
	if cfg.URL == "" {
		return
	}

	labels := cfg.CommonLabels
	if labels == "" {
		labels = `instance="vending-server"`
	}

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}

	if err := metrics.InitPush(cfg.URL, interval, labels, true); err != nil {
		logger.Error("Error initializing metrics push", "error", err)
	}
}
