package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/switch-adapter/internal/envelope"
	"github.com/example/switch-adapter/internal/metrics"
	"github.com/example/switch-adapter/internal/models"
	"github.com/example/switch-adapter/internal/tracing"
)

var (
	errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")
	errNoTopic                = errors.New("kafka publisher: no topic for envelope type")
)

// SyncProducer captures the subset of producer behaviour required by the Kafka publishers.
type SyncProducer interface {
	PublishSync(ctx context.Context, topic string, key []byte, headers map[string][]byte, payload []byte) (int32, int64, error)
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// Topics maps envelope types to the topics they are written to.
type Topics struct {
	Prepare string
	Fulfil  string
	Get     string
}

// For returns the topic of an envelope. Transfer and fx-transfer envelopes of
// one stage share a topic; the action inside the envelope tells them apart.
func (t Topics) For(e envelope.Envelope) (string, error) {
	var topic string
	switch e.Metadata.Event.Type {
	case envelope.TypePrepare:
		topic = t.Prepare
	case envelope.TypeFulfil:
		topic = t.Fulfil
	case envelope.TypeGet:
		topic = t.Get
	}
	if topic == "" {
		return "", fmt.Errorf("%w: type=%q action=%q", errNoTopic, e.Metadata.Event.Type, e.Metadata.Event.Action)
	}
	return topic, nil
}

// Receipt locates a published record.
type Receipt struct {
	Topic     string
	Partition int32
	Offset    int64
}

// EnvelopeOption customises the envelope publisher.
type EnvelopeOption func(*EnvelopePublisher)

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) EnvelopeOption {
	return func(p *EnvelopePublisher) {
		p.metrics = metrics.OrNop(m)
	}
}

// WithTracer sets the tracer used for publish spans.
func WithTracer(t *tracing.Tracer) EnvelopeOption {
	return func(p *EnvelopePublisher) {
		if t != nil {
			p.tracer = t
		}
	}
}

// EnvelopePublisher writes envelopes to their stage topic keyed by the
// transaction id.
type EnvelopePublisher struct {
	producer SyncProducer
	topics   Topics
	logger   zerolog.Logger
	metrics  metrics.Recorder
	tracer   *tracing.Tracer
}

// NewEnvelopePublisher constructs an EnvelopePublisher instance.
func NewEnvelopePublisher(prod SyncProducer, topics Topics, logger zerolog.Logger, opts ...EnvelopeOption) *EnvelopePublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &EnvelopePublisher{
		producer: prod,
		topics:   topics,
		logger:   logger,
		metrics:  metrics.Nop(),
		tracer:   tracing.New(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish writes e synchronously and returns where it landed.
func (p *EnvelopePublisher) Publish(ctx context.Context, e envelope.Envelope) (_ Receipt, err error) {
	if p == nil || p.producer == nil {
		return Receipt{}, errProducerNotInitialised
	}

	topic, err := p.topics.For(e)
	if err != nil {
		return Receipt{}, err
	}

	ctx, span := p.tracer.Start(ctx, topic+" publish", trace.SpanKindProducer)
	defer func() { tracing.End(span, err) }()

	payload, err := envelope.Marshal(e)
	if err != nil {
		return Receipt{}, fmt.Errorf("kafka publisher: marshal envelope: %w", err)
	}

	headers := map[string][]byte{
		"content-type": []byte("application/json"),
		"action":       []byte(e.Metadata.Event.Action),
	}
	for k, v := range e.Metadata.Trace {
		headers[k] = []byte(v)
	}

	timer := p.metrics.PublishDuration(topic)
	partition, offset, err := p.producer.PublishSync(ctx, topic, []byte(e.ID), headers, payload)
	timer.ObserveDuration()
	p.metrics.EnvelopePublished(topic, err == nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("kafka publisher: publish envelope: %w", err)
	}

	p.logger.Debug().
		Str("correlation_id", e.ID).
		Str("action", string(e.Metadata.Event.Action)).
		Str("topic", topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("envelope published")

	return Receipt{Topic: topic, Partition: partition, Offset: offset}, nil
}

// DeadLetterPublisher writes dead-letter records to the configured Kafka topic.
type DeadLetterPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDeadLetterPublisher constructs a DeadLetterPublisher instance. It returns
// nil when no producer or topic is supplied, which disables dead-lettering.
func NewDeadLetterPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *DeadLetterPublisher {
	if prod == nil || topic == "" {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DeadLetterPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishDeadLetter writes the supplied record to Kafka synchronously.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, record models.DeadLetter) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dead letter: %w", err)
	}

	key := record.CorrelationID
	if key == "" {
		key = record.Topic + "/" + strconv.FormatInt(int64(record.Partition), 10) + "/" + strconv.FormatInt(record.Offset, 10)
	}
	headers := map[string][]byte{
		"content-type": []byte("application/json"),
	}

	if _, _, err := p.producer.PublishSync(ctx, p.topic, []byte(key), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish dead letter: %w", err)
	}
	return nil
}
