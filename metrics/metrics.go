// Package metrics has prometheus metric variables/functions for the
// protocol clients.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricCommand = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mailio_command_duration_seconds",
		Help:    "Protocol command duration and result codes.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
	},
	[]string{
		"proto", // smtp, pop3, imap
		"cmd",
		"result", // Status code or ok/err/bad per protocol.
	},
)

// CommandObserve tracks the duration and result of a single protocol
// command round trip.
func CommandObserve(proto, cmd, result string, start time.Time) {
	metricCommand.WithLabelValues(proto, cmd, result).Observe(float64(time.Since(start)) / float64(time.Second))
}
