package protocol

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/codecompass/compassd/internal/toolerr"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for tool dispatch.
type Metrics struct {
	InvocationsTotal *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	Duration         *prometheus.HistogramVec
}

// NewMetrics creates and registers the dispatch metrics. Registration
// happens once per process; later calls return the same instance.
//
// Metrics:
//   - compassd_tool_invocations_total{tool} - count of tool calls
//   - compassd_tool_errors_total{tool,code} - count of classified failures
//   - compassd_tool_duration_seconds{tool}  - tool call latency
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			InvocationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "compassd_tool_invocations_total",
					Help: "Total number of tool invocations",
				},
				[]string{"tool"},
			),
			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "compassd_tool_errors_total",
					Help: "Total number of tool failures by classified code",
				},
				[]string{"tool", "code"},
			),
			Duration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "compassd_tool_duration_seconds",
					Help:    "Duration of tool invocations in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
				},
				[]string{"tool"},
			),
		}
	})
	return globalMetrics
}

// Observe records one tool invocation.
func (m *Metrics) Observe(tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(tool).Inc()
	m.Duration.WithLabelValues(tool).Observe(duration.Seconds())
	if err != nil {
		m.ErrorsTotal.WithLabelValues(tool, string(toolerr.CodeOf(err))).Inc()
	}
}
