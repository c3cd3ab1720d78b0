// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "energybill_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	invoiceTotal *prometheus.CounterVec

	lenedaRequests *prometheus.CounterVec
	lenedaLatency  *prometheus.HistogramVec

	refreshTotal *prometheus.CounterVec
	publishTotal *prometheus.CounterVec
)

func register() {
	registerOnce.Do(func() {
		invoiceTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoice_computations_total",
				Help: "Invoices computed by range",
			},
			[]string{"range"},
		)
		lenedaRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "leneda_requests_total",
				Help: "Leneda API requests by endpoint and result",
			},
			[]string{"endpoint", "result"},
		)
		lenedaLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "leneda_request_latency_seconds",
				Help:    "Leneda API request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		)
		refreshTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_total",
				Help: "Cached period refreshes by range and result",
			},
			[]string{"range", "result"},
		)
		publishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_total",
				Help: "Invoice summaries published by result",
			},
			[]string{"result"},
		)
		prometheus.MustRegister(invoiceTotal, lenedaRequests, lenedaLatency, refreshTotal, publishTotal)
	})
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultSuccess
}

// ObserveInvoice counts a computed invoice.
func ObserveInvoice(rng string) {
	register()
	invoiceTotal.WithLabelValues(rng).Inc()
}

// ObserveLenedaRequest records one call to the metering API.
func ObserveLenedaRequest(endpoint string, err error, took time.Duration) {
	register()
	lenedaRequests.WithLabelValues(endpoint, result(err)).Inc()
	lenedaLatency.WithLabelValues(endpoint).Observe(took.Seconds())
}

// ObserveRefresh records a cache refresh of one range.
func ObserveRefresh(rng string, err error) {
	register()
	refreshTotal.WithLabelValues(rng, result(err)).Inc()
}

// ObservePublish records a summary publication.
func ObservePublish(err error) {
	register()
	publishTotal.WithLabelValues(result(err)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}
