package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_received_total",
			Help: "Events accepted by the ingest API, by route and outcome.",
		},
		[]string{"route", "outcome"},
	)
	validationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_validation_failures_total",
			Help: "Requests rejected with validation errors.",
		},
	)
	sinkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_sink_writes_total",
			Help: "Sink write attempts by sink and result.",
		},
		[]string{"sink", "result"},
	)
	sinkLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "events_sink_write_duration_seconds",
			Help:    "Sink write latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)
	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dead_letters_total",
			Help: "Dead-letter publishes by result.",
		},
		[]string{"result"},
	)
	queueState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "events_queue_sink_state",
			Help: "1 for the current queue sink connection state, 0 otherwise.",
		},
		[]string{"state"},
	)
	idempotencyEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "events_idempotency_entries",
			Help: "Event ids currently remembered by the in-memory idempotency guard.",
		},
	)
	replayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dlq_replayed_total",
			Help: "Dead-lettered events replayed into storage, by result.",
		},
		[]string{"result"},
	)
)

var (
	registerOnce sync.Once
	queueStates  = []string{"disconnected", "connecting", "connected"}
)

// Register is safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpLatency,
			kafkaConsumerLag,
			eventsReceived,
			validationFailures,
			sinkWrites,
			sinkLatency,
			deadLetters,
			queueState,
			idempotencyEntries,
			replayed,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentWith records request counts and latency. pathLabel maps a request
// to a bounded label; nil uses the raw path.
func InstrumentWith(pathLabel func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := r.URL.Path
		if pathLabel != nil {
			path = pathLabel(r)
		}
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func AddEventsReceived(route string, outcome string, n int) {
	if n <= 0 {
		return
	}
	eventsReceived.WithLabelValues(route, outcome).Add(float64(n))
}

func IncValidationFailure() {
	validationFailures.Inc()
}

func ObserveSinkWrite(sink string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sinkWrites.WithLabelValues(sink, result).Inc()
	sinkLatency.WithLabelValues(sink).Observe(d.Seconds())
}

func IncDeadLetter(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	deadLetters.WithLabelValues(result).Inc()
}

func SetQueueState(state string) {
	for _, s := range queueStates {
		v := 0.0
		if s == state {
			v = 1
		}
		queueState.WithLabelValues(s).Set(v)
	}
}

func SetIdempotencyEntries(n int) {
	idempotencyEntries.Set(float64(n))
}

func IncReplayed(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	replayed.WithLabelValues(result).Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
