package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voxpipe/voxpipe/internal/build"
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "node_requests_total",
		Help:      "The total number of batch requests received by a pipeline node.",
	}, []string{"node"})

	autoskipCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "node_autoskips_total",
		Help:      "The total number of requests a filter forwarded without processing.",
	}, []string{"node"})

	requestErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "node_request_errors_total",
		Help:      "The total number of batch requests that failed in a pipeline node.",
	}, []string{"node"})

	requestDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "node_request_duration_ms",
		Help:      "Time a pipeline node took to deliver a batch, including its upstream nodes.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"node"})

	cacheTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "batch_cache_total_count",
		Help:      "The total number of requests seen by cache relays.",
	})

	cacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "batch_cache_hit_count",
		Help:      "The total number of requests served from a cache relay.",
	})
)
