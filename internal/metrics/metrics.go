// Package metrics defines the instrumentation surface of the adapter together
// with a Prometheus implementation and a no-op default.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures the duration of an operation.
type Timer interface {
	ObserveDuration()
}

// Recorder is implemented by every metrics backend.
type Recorder interface {
	// EnvelopePublished counts envelopes written to the broker.
	EnvelopePublished(topic string, success bool)
	PublishDuration(topic string) Timer

	// CallbackDelivered counts callback attempts per action.
	CallbackDelivered(action string, success bool)
	CallbackDuration(action string) Timer

	EndpointCacheHit()
	EndpointCacheMiss()
	EndpointFetch(success bool)

	// BatchProcessed counts consumed batches and whether they were committed.
	BatchProcessed(size int, committed bool)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nop struct{}

func (nop) EnvelopePublished(string, bool) {}
func (nop) PublishDuration(string) Timer   { return nopTimer{} }
func (nop) CallbackDelivered(string, bool) {}
func (nop) CallbackDuration(string) Timer  { return nopTimer{} }
func (nop) EndpointCacheHit()              {}
func (nop) EndpointCacheMiss()             {}
func (nop) EndpointFetch(bool)             {}
func (nop) BatchProcessed(int, bool)       {}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nop{} }

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return nop{}
	}
	return r
}

var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type timer struct {
	h     prometheus.Observer
	start time.Time
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

type promRecorder struct {
	published        *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	callbacks        *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	cacheFetches     *prometheus.CounterVec
	batches          *prometheus.CounterVec
	batchSize        prometheus.Histogram
}

// NewPrometheus registers the adapter metrics on reg.
func NewPrometheus(reg prometheus.Registerer) Recorder {
	m := &promRecorder{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_adapter_envelopes_published_total",
			Help: "Envelopes written to the broker",
		}, []string{"topic", "success"}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switch_adapter_publish_duration_seconds",
			Help:    "Broker publish latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"topic"}),

		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_adapter_callbacks_total",
			Help: "Callback deliveries attempted",
		}, []string{"action", "success"}),

		callbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switch_adapter_callback_duration_seconds",
			Help:    "Callback delivery latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"action"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_adapter_endpoint_cache_lookups_total",
			Help: "Endpoint cache lookups by result",
		}, []string{"result"}),

		cacheFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_adapter_endpoint_fetches_total",
			Help: "Directory fetches issued by the endpoint cache",
		}, []string{"success"}),

		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_adapter_batches_total",
			Help: "Notification batches processed",
		}, []string{"committed"}),

		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "switch_adapter_batch_size",
			Help:    "Records per notification batch",
			Buckets: prometheus.LinearBuckets(1, 10, 10),
		}),
	}

	reg.MustRegister(
		m.published,
		m.publishDuration,
		m.callbacks,
		m.callbackDuration,
		m.cacheLookups,
		m.cacheFetches,
		m.batches,
		m.batchSize,
	)
	return m
}

func (m *promRecorder) EnvelopePublished(topic string, success bool) {
	m.published.WithLabelValues(topic, strconv.FormatBool(success)).Inc()
}

func (m *promRecorder) PublishDuration(topic string) Timer {
	return &timer{h: m.publishDuration.WithLabelValues(topic), start: time.Now()}
}

func (m *promRecorder) CallbackDelivered(action string, success bool) {
	m.callbacks.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

func (m *promRecorder) CallbackDuration(action string) Timer {
	return &timer{h: m.callbackDuration.WithLabelValues(action), start: time.Now()}
}

func (m *promRecorder) EndpointCacheHit()  { m.cacheLookups.WithLabelValues("hit").Inc() }
func (m *promRecorder) EndpointCacheMiss() { m.cacheLookups.WithLabelValues("miss").Inc() }

func (m *promRecorder) EndpointFetch(success bool) {
	m.cacheFetches.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *promRecorder) BatchProcessed(size int, committed bool) {
	m.batches.WithLabelValues(strconv.FormatBool(committed)).Inc()
	m.batchSize.Observe(float64(size))
}

var (
	_ Recorder = nop{}
	_ Recorder = (*promRecorder)(nil)
)
