// Package metrics provides Prometheus collectors for gateway traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llmgateway"

var (
	// requestDuration is a histogram of upstream dispatch duration in seconds.
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream provider calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// requestsTotal is a counter of dispatched requests.
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of dispatched requests",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	// streamsActive is a gauge of currently open downstream streams.
	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open streaming responses",
		},
	)

	// tokensTotal is a counter of tokens consumed by provider calls.
	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens consumed by provider calls",
		},
		[]string{"provider", "model", "type"}, // type: input, output, cached, reasoning
	)

	// costTotal is a counter of USD cost from provider calls.
	costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Total cost in USD from provider calls",
		},
		[]string{"provider", "model"},
	)

	// finalizationsTotal is a counter of worker finalization outcomes.
	finalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Total number of log records processed by the finalization worker",
		},
		[]string{"status"}, // status: success, error
	)

	// keyValidationsTotal is a counter of provider key validation probes.
	keyValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_validations_total",
			Help:      "Total number of provider key validation probes",
		},
		[]string{"provider", "status"}, // status: valid, invalid, error
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		requestDuration,
		requestsTotal,
		streamsActive,
		tokensTotal,
		costTotal,
		finalizationsTotal,
		keyValidationsTotal,
	}
)

// RecordRequest records a dispatched request.
func RecordRequest(provider, model, status string, durationSeconds float64) {
	requestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	requestsTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordStreamStart records an opened downstream stream.
func RecordStreamStart() {
	streamsActive.Inc()
}

// RecordStreamEnd records a closed downstream stream.
func RecordStreamEnd() {
	streamsActive.Dec()
}

// RecordTokens records token consumption.
func RecordTokens(provider, model string, input, output, cached, reasoning int) {
	if input > 0 {
		tokensTotal.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		tokensTotal.WithLabelValues(provider, model, "output").Add(float64(output))
	}
	if cached > 0 {
		tokensTotal.WithLabelValues(provider, model, "cached").Add(float64(cached))
	}
	if reasoning > 0 {
		tokensTotal.WithLabelValues(provider, model, "reasoning").Add(float64(reasoning))
	}
}

// RecordCost records cost from a provider call.
func RecordCost(provider, model string, cost float64) {
	if cost > 0 {
		costTotal.WithLabelValues(provider, model).Add(cost)
	}
}

// RecordFinalization records a worker finalization outcome.
func RecordFinalization(status string) {
	finalizationsTotal.WithLabelValues(status).Inc()
}

// RecordKeyValidation records a key validation probe outcome.
func RecordKeyValidation(provider, status string) {
	keyValidationsTotal.WithLabelValues(provider, status).Inc()
}
