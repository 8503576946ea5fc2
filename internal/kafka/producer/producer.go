package producer

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
)

const (
	defaultMetadataRefreshInterval = 30 * time.Second
)

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config          *sarama.Config
	clientID        string
	refreshInterval time.Duration
}

// WithConfig allows callers to supply a preconfigured Sarama config. The
// configuration is cloned internally so the caller retains ownership.
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

// WithMetadataRefreshInterval overrides the interval used when refreshing
// cluster metadata to keep readiness information current.
func WithMetadataRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// Producer wraps the single idempotent Sarama sync producer shared by every
// request handler. Readiness follows periodic metadata refreshes and the
// outcome of the last send.
type Producer struct {
	logger zerolog.Logger

	client       sarama.Client
	syncProducer sarama.SyncProducer

	refreshInterval time.Duration

	ready atomic.Bool

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Producer using the supplied broker list and logger.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &options{
		config:          defaultConfig(),
		refreshInterval: defaultMetadataRefreshInterval,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	cfg := cloneConfig(settings.config)
	if settings.refreshInterval > 0 {
		cfg.Metadata.RefreshFrequency = settings.refreshInterval
	}
	if settings.clientID != "" {
		cfg.ClientID = settings.clientID
	}

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}

	syncProd, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	p := newProducer(syncProd, client, logger, settings.refreshInterval)
	if err := p.refreshMetadata(); err != nil {
		logger.Error().Err(err).Msg("kafka producer initial metadata refresh failed")
	} else {
		p.ready.Store(true)
	}

	p.wg.Add(1)
	go p.watchMetadata()

	return p, nil
}

func newProducer(syncProd sarama.SyncProducer, client sarama.Client, logger zerolog.Logger, refresh time.Duration) *Producer {
	return &Producer{
		logger:          logger,
		client:          client,
		syncProducer:    syncProd,
		refreshInterval: refresh,
		stopCh:          make(chan struct{}),
	}
}

// PublishSync publishes a message and waits for the Kafka broker to acknowledge
// receipt. Required acks default to WaitForAll. The key selects the partition,
// so every message of one transaction lands on the same partition in order.
func (p *Producer) PublishSync(ctx context.Context, topic string, key []byte, headers map[string][]byte, payload []byte) (int32, int64, error) {
	if topic == "" {
		return 0, 0, errors.New("kafka producer: topic is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, fmt.Errorf("kafka producer: send sync: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err := p.syncProducer.SendMessage(msg)
	if err != nil {
		p.ready.Store(false)
		return 0, 0, fmt.Errorf("kafka producer: send sync: %w", err)
	}

	p.ready.Store(true)
	return partition, offset, nil
}

// IsReady indicates whether the producer has successfully refreshed metadata
// or published recently.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Close releases the underlying Sarama producer and stops background goroutines.
func (p *Producer) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		if err := p.syncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
		if p.client != nil {
			if err := p.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (p *Producer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.refreshMetadata(); err != nil {
				p.logger.Error().Err(err).Msg("kafka producer metadata refresh failed")
				p.ready.Store(false)
			} else {
				p.ready.Store(true)
			}
		}
	}
}

func (p *Producer) refreshMetadata() error {
	if p.client == nil {
		return nil
	}
	return p.client.RefreshMetadata()
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{
			Key:   []byte(k),
			Value: cloneBytes(v),
		})
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = true
	cfg.Metadata.RefreshFrequency = defaultMetadataRefreshInterval
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}
