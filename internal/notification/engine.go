package notification

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/switch-adapter/internal/envelope"
	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/kafka/consumer"
	"github.com/example/switch-adapter/internal/logger"
	"github.com/example/switch-adapter/internal/models"
	"github.com/example/switch-adapter/internal/tracing"
)

// Config contains the runtime settings of the notification engine.
type Config struct {
	// WorkerConcurrency bounds how many transaction keys of a batch are
	// dispatched at the same time.
	WorkerConcurrency int
	// MsgMaxBytes discards larger records as terminal failures. Zero disables
	// the check.
	MsgMaxBytes int
}

// EnvelopeDispatcher delivers the callbacks of one envelope.
type EnvelopeDispatcher interface {
	Dispatch(ctx context.Context, e envelope.Envelope) error
}

// DeadLetterPublisher writes terminally failed records to the DLQ topic.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, record models.DeadLetter) error
}

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Dispatcher  EnvelopeDispatcher
	DeadLetters DeadLetterPublisher
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Engine processes consumed batches and decides whether they can be
// acknowledged.
type Engine struct {
	cfg         Config
	dispatcher  EnvelopeDispatcher
	deadLetters DeadLetterPublisher
	logger      zerolog.Logger

	semaphore *semaphore.Weighted

	now func() time.Time
}

// NewEngine constructs a notification engine using the supplied configuration
// and collaborators.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("notification: worker concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("notification: msg max bytes cannot be negative")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("notification: dispatcher dependency is required")
	}

	log := deps.Logger
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Engine{
		cfg:         cfg,
		dispatcher:  deps.Dispatcher,
		deadLetters: deps.DeadLetters,
		logger:      logger.Component(log, "notification_engine"),
		semaphore:   semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		now:         nowFunc,
	}, nil
}

// HandleBatch is a consumer.BatchHandler. Records are grouped by key; keys
// run concurrently and the records of one key run in offset order. A
// transient failure stops the remaining records of its key and fails the
// batch so that nothing is committed.
func (e *Engine) HandleBatch(ctx context.Context, records []*consumer.Record) error {
	groups := groupByKey(records)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, group := range groups {
		if err := e.semaphore.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("notification: acquire worker: %w", err))
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(group []*consumer.Record) {
			defer wg.Done()
			defer e.semaphore.Release(1)

			for _, rec := range group {
				if err := e.handleRecord(ctx, rec); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
			}
		}(group)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// groupByKey splits records by key, keeping the first-seen order of keys and
// the offset order within each key.
func groupByKey(records []*consumer.Record) [][]*consumer.Record {
	index := make(map[string]int)
	var groups [][]*consumer.Record
	for _, rec := range records {
		if rec == nil {
			continue
		}
		k := string(rec.Key)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}

// handleRecord returns an error only when the record must be redelivered.
// Terminal failures are logged, dead-lettered and swallowed.
func (e *Engine) handleRecord(ctx context.Context, rec *consumer.Record) error {
	log := e.logger.With().
		Str(logger.FieldTopic, rec.Topic).
		Int32(logger.FieldPartition, rec.Partition).
		Int64(logger.FieldOffset, rec.Offset).
		Logger()

	if e.cfg.MsgMaxBytes > 0 && len(rec.Value) > e.cfg.MsgMaxBytes {
		err := fmt.Errorf("%w: payload exceeds maximum size: got %d bytes, limit %d bytes", fault.ErrValidation, len(rec.Value), e.cfg.MsgMaxBytes)
		log.Warn().Err(err).Msg("notification discarded because it exceeds configured size limit")
		e.deadLetter(ctx, rec, envelope.Envelope{}, models.FailureTypeValidation, err)
		return nil
	}

	env, err := envelope.Unmarshal(rec.Value)
	if err != nil {
		log.Error().Err(err).Msg("notification could not be decoded")
		e.deadLetter(ctx, rec, env, models.FailureTypeValidation, err)
		return nil
	}
	log = logger.Transaction(log, env.TransactionID(), string(env.Action()))

	err = e.dispatcher.Dispatch(ctx, env)
	switch {
	case err == nil:
		return nil
	case fault.IsTransient(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn().Err(err).Msg("notification not delivered, batch will be redelivered")
		return fmt.Errorf("notification: %s: %w", env.TransactionID(), err)
	default:
		log.Error().Err(err).Msg("notification failed permanently")
		e.deadLetter(ctx, rec, env, failureType(err), err)
		return nil
	}
}

func failureType(err error) string {
	switch {
	case errors.Is(err, fault.ErrNotFound):
		return models.FailureTypeNotFound
	case errors.Is(err, fault.ErrValidation), errors.Is(err, fault.ErrTranscoding):
		return models.FailureTypeValidation
	case errors.Is(err, fault.ErrPermanent):
		return models.FailureTypePermanent
	default:
		return models.FailureTypeUnknown
	}
}

func (e *Engine) deadLetter(ctx context.Context, rec *consumer.Record, env envelope.Envelope, failure string, cause error) {
	if e.deadLetters == nil {
		return
	}
	dl := models.DeadLetter{
		CorrelationID: env.TransactionID(),
		Action:        string(env.Action()),
		Topic:         rec.Topic,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Original:      rec.Value,
		FailureType:   failure,
		LastError:     cause.Error(),
		FailedAt:      e.now(),
		TraceID:       env.Metadata.Trace[tracing.HeaderTraceParent],
	}
	if err := e.deadLetters.PublishDeadLetter(ctx, dl); err != nil {
		e.logger.Error().
			Err(err).
			Str(logger.FieldCorrelationID, dl.CorrelationID).
			Str(logger.FieldTopic, rec.Topic).
			Int64(logger.FieldOffset, rec.Offset).
			Msg("failed to publish dead letter")
	}
}
