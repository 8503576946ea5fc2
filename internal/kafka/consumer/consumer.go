package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/switch-adapter/internal/metrics"
)

const (
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultConsumeBackoff   = time.Second
	defaultBatchSize        = 10
	defaultBatchWait        = 100 * time.Millisecond
	defaultRetryBackoff     = time.Second
)

var errBatchFailed = errors.New("kafka consumer: batch failed")

// BatchHandler is invoked with each batch of records read from one partition,
// in offset order. A nil return acknowledges the whole batch; an error leaves
// it uncommitted so it is delivered again.
type BatchHandler func(ctx context.Context, records []*Record) error

// Option customises the consumer during construction.
type Option func(*options)

type options struct {
	config       *sarama.Config
	clientID     string
	batchSize    int
	batchWait    time.Duration
	retryBackoff time.Duration
	metrics      metrics.Recorder
}

// WithConfig allows callers to supply a Sarama config. The configuration is
// cloned internally so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithClientID sets the Kafka client id reported to the brokers.
func WithClientID(id string) Option {
	return func(o *options) {
		o.clientID = id
	}
}

// WithBatchSize sets the maximum number of records per batch.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithBatchWait sets how long a partial batch waits for more records.
func WithBatchWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.batchWait = d
		}
	}
}

// WithRetryBackoff sets the pause before a failed batch is redelivered.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryBackoff = d
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = metrics.OrNop(m)
	}
}

// Consumer wraps a Sarama consumer group and hands records to a BatchHandler.
//
// With commit-on-success (the default) a batch is marked and committed only
// after its handler succeeds. A failed batch ends the group session, the
// consumer re-joins and reads again from the last committed offset. With
// auto-commit every batch is marked regardless of the outcome, which is
// at-most-once delivery.
type Consumer struct {
	logger zerolog.Logger

	group        sarama.ConsumerGroup
	groupID      string
	topics       []string
	handler      BatchHandler
	commitOnAck  bool
	batchSize    int
	batchWait    time.Duration
	retryBackoff time.Duration
	metrics      metrics.Recorder
	errorsDoneCh chan struct{}

	ready atomic.Bool

	mu sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Record represents a Kafka message delivered by the consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	message *sarama.ConsumerMessage
}

// New constructs a consumer for the supplied brokers and consumer group.
func New(brokers []string, groupID string, logger zerolog.Logger, commitOnSuccessOnly bool, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := defaultOptions(commitOnSuccessOnly)
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	cfg := cloneConfig(settings.config)
	cfg.Consumer.Offsets.AutoCommit.Enable = !commitOnSuccessOnly
	if settings.clientID != "" {
		cfg.ClientID = settings.clientID
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := newConsumer(group, groupID, logger, commitOnSuccessOnly, settings)
	if !commitOnSuccessOnly {
		logger.Warn().
			Str("group_id", groupID).
			Msg("kafka consumer auto-commit enabled: failed batches are not redelivered (at-most-once)")
	}

	go c.consumeErrors()

	return c, nil
}

func defaultOptions(commitOnSuccessOnly bool) *options {
	return &options{
		config:       defaultConfig(commitOnSuccessOnly),
		batchSize:    defaultBatchSize,
		batchWait:    defaultBatchWait,
		retryBackoff: defaultRetryBackoff,
		metrics:      metrics.Nop(),
	}
}

func newConsumer(group sarama.ConsumerGroup, groupID string, logger zerolog.Logger, commitOnAck bool, settings *options) *Consumer {
	return &Consumer{
		logger:       logger,
		group:        group,
		groupID:      groupID,
		commitOnAck:  commitOnAck,
		batchSize:    settings.batchSize,
		batchWait:    settings.batchWait,
		retryBackoff: settings.retryBackoff,
		metrics:      settings.metrics,
		errorsDoneCh: make(chan struct{}),
	}
}

// Consume subscribes to the provided topics and invokes the supplied handler
// for each batch. The call blocks until the provided context is cancelled or
// the group is closed.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler BatchHandler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	c.mu.Lock()
	c.topics = append([]string(nil), topics...)
	c.handler = handler
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Consume returns whenever the session ends: on rebalance, and after a
		// failed batch so that the uncommitted records are fetched again.
		err := c.group.Consume(ctx, topics, &groupHandler{consumer: c})
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error().Err(err).Msg("kafka consumer: consume error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultConsumeBackoff):
			}
			continue
		}
	}
}

// IsReady returns true once the consumer has joined the group and is actively
// consuming.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close shuts down the consumer group and associated goroutines.
func (c *Consumer) Close() error {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	err := c.group.Close()
	c.wg.Wait()
	<-c.errorsDoneCh
	return err
}

func (c *Consumer) consumeErrors() {
	defer close(c.errorsDoneCh)
	for err := range c.group.Errors() {
		if err != nil && !errors.Is(err, errBatchFailed) {
			c.logger.Error().Err(err).Msg("kafka consumer error")
		}
	}
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().
		Str("group_id", h.consumer.groupID).
		Int32("generation", session.GenerationID()).
		Msg("kafka consumer group ready")
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.logger.Info().
		Str("group_id", h.consumer.groupID).
		Msg("kafka consumer group cleanup")
	return nil
}

// ConsumeClaim collects records of one partition into batches of at most
// batchSize, flushing early when batchWait elapses after the first record.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	batch := make([]*Record, 0, c.batchSize)
	var flushAfter <-chan time.Time

	flush := func() error {
		err := h.flush(session, batch)
		batch = make([]*Record, 0, c.batchSize)
		flushAfter = nil
		return err
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			batch = append(batch, newRecord(msg))
			if len(batch) == 1 {
				flushAfter = time.After(c.batchWait)
			}
			if len(batch) >= c.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-flushAfter:
			if err := flush(); err != nil {
				return err
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) flush(session sarama.ConsumerGroupSession, batch []*Record) error {
	if len(batch) == 0 {
		return nil
	}
	c := h.consumer

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		c.logger.Error().Msg("kafka consumer: batch received without handler")
		return fmt.Errorf("%w: no handler", errBatchFailed)
	}

	first, last := batch[0], batch[len(batch)-1]
	err := handler(session.Context(), batch)

	if err != nil && c.commitOnAck {
		c.metrics.BatchProcessed(len(batch), false)
		c.logger.Warn().
			Err(err).
			Str("topic", first.Topic).
			Int32("partition", first.Partition).
			Int64("offset", first.Offset).
			Int("batch_size", len(batch)).
			Msg("kafka consumer batch not acknowledged, restarting session for redelivery")

		if c.retryBackoff > 0 {
			select {
			case <-session.Context().Done():
			case <-time.After(c.retryBackoff):
			}
		}
		return fmt.Errorf("%w: %w", errBatchFailed, err)
	}

	if err != nil {
		c.logger.Error().
			Err(err).
			Str("topic", first.Topic).
			Int32("partition", first.Partition).
			Int64("offset", first.Offset).
			Int("batch_size", len(batch)).
			Msg("kafka consumer batch failed under auto-commit, records dropped")
	}

	session.MarkMessage(last.message, "")
	if c.commitOnAck {
		session.Commit()
	}
	c.metrics.BatchProcessed(len(batch), true)
	return nil
}

func newRecord(msg *sarama.ConsumerMessage) *Record {
	return &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       cloneBytes(msg.Key),
		Value:     cloneBytes(msg.Value),
		Timestamp: msg.Timestamp,
		Headers:   fromHeaders(msg.Headers),
		message:   msg,
	}
}

func defaultConfig(commitOnSuccessOnly bool) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "switch-adapter-consumer"

	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = !commitOnSuccessOnly
	cfg.Consumer.Return.Errors = true

	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig(false)
	}
	cloned := *cfg
	return &cloned
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = cloneBytes(h.Value)
	}
	return out
}
