package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Download task metrics
	DownloadTasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "download_tasks_active",
			Help: "Number of download tasks currently starting or downloading",
		},
	)

	DownloadTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_tasks_total",
			Help: "Total number of finished download tasks by terminal status",
		},
		[]string{"status"},
	)

	DownloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_bytes_total",
			Help: "Total bytes fetched from the media CDN",
		},
		[]string{"stream"},
	)

	// Janitor metrics
	JanitorRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_removed_total",
			Help: "Total items removed by the periodic janitor sweep",
		},
		[]string{"kind"},
	)

	// Proxy metrics
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total CDN proxy requests by outcome",
		},
		[]string{"outcome"},
	)
)
