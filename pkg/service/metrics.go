package service

import (
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// metricsRegistry holds only metrics of batch jobs so that a push does not carry runtime metrics
var metricsRegistry = prometheus.NewRegistry()

var (
	metricsFactory = promauto.With(metricsRegistry)

	submittedChunks = metricsFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "intelbatch_submitted_chunks_total",
		Help: "Number of chunks submitted to the batch API",
	}, []string{"method", "result"})

	submittedRecords = metricsFactory.NewCounter(prometheus.CounterOpts{
		Name: "intelbatch_submitted_records_total",
		Help: "Number of groups and indicators submitted to the batch API",
	})

	pollLatency = metricsFactory.NewHistogram(prometheus.HistogramOpts{
		Name:    "intelbatch_poll_latency_seconds",
		Help:    "Cumulative poll time until a batch job completes",
		Buckets: prometheus.ExponentialBuckets(1, 2, 13),
	})

	pollInterval = metricsFactory.NewGauge(prometheus.GaugeOpts{
		Name: "intelbatch_poll_interval_seconds",
		Help: "Starting poll interval of the next batch job",
	})

	batchErrors = metricsFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "intelbatch_batch_errors_total",
		Help: "Number of batch failures by error code",
	}, []string{"code"})

	uploadedFiles = metricsFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "intelbatch_uploaded_files_total",
		Help: "Number of attachments processed by result",
	}, []string{"result"})
)

// MetricsGatherer returns the registry of batch job metrics
func MetricsGatherer() prometheus.Gatherer {
	return metricsRegistry
}

// PushMetrics sends batch job metrics to the Pushgateway at url. A short-lived process such as
// Lambda calls it before exit. http.DefaultClient is used if client is nil.
func PushMetrics(url, job string, client adaptor.HTTPClient) error {
	pusher := push.New(url, job).Gatherer(metricsRegistry)
	if client != nil {
		pusher = pusher.Client(client)
	}
	if err := pusher.Push(); err != nil {
		return errors.Wrap(err, "Failed to push metrics").With("url", url).With("job", job)
	}
	return nil
}
