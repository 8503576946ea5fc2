package notification_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/switch-adapter/internal/envelope"
	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/kafka/consumer"
	"github.com/example/switch-adapter/internal/models"
	"github.com/example/switch-adapter/internal/notification"
)

type dispatcherStub struct {
	mu      sync.Mutex
	seen    []string
	results map[string]error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (d *dispatcherStub) Dispatch(ctx context.Context, e envelope.Envelope) error {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		peak := d.maxInFlight.Load()
		if n <= peak || d.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, e.ID+":"+string(e.Action()))
	return d.results[e.ID+":"+string(e.Action())]
}

func (d *dispatcherStub) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seen...)
}

type deadLetterCollector struct {
	mu      sync.Mutex
	records []models.DeadLetter
}

func (c *deadLetterCollector) PublishDeadLetter(_ context.Context, record models.DeadLetter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return nil
}

func record(t *testing.T, offset int64, id string, action envelope.Action) *consumer.Record {
	t.Helper()
	raw, err := envelope.Marshal(envelope.Envelope{
		ID:   id,
		To:   "payerfsp",
		From: "payeefsp",
		Metadata: envelope.Metadata{Event: envelope.Event{
			ID: fmt.Sprintf("ev-%d", offset), Type: envelope.TypeNotification, Action: action,
		}},
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &consumer.Record{Topic: "topic-notification-event", Offset: offset, Key: []byte(id), Value: raw}
}

func newEngine(t *testing.T, cfg notification.Config, d notification.EnvelopeDispatcher, dlq notification.DeadLetterPublisher) *notification.Engine {
	t.Helper()
	engine, err := notification.NewEngine(cfg, notification.Dependencies{
		Dispatcher:  d,
		DeadLetters: dlq,
		Logger:      zerolog.New(io.Discard),
		Now:         func() time.Time { return time.Unix(0, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine
}

func TestHandleBatchKeepsKeyOrder(t *testing.T) {
	d := &dispatcherStub{delay: 5 * time.Millisecond}
	engine := newEngine(t, notification.Config{WorkerConcurrency: 4}, d, nil)

	batch := []*consumer.Record{
		record(t, 1, "t-1", envelope.ActionPrepare),
		record(t, 2, "t-2", envelope.ActionPrepare),
		record(t, 3, "t-1", envelope.ActionReserve),
		record(t, 4, "t-2", envelope.ActionCommit),
		record(t, 5, "t-1", envelope.ActionCommit),
	}
	if err := engine.HandleBatch(context.Background(), batch); err != nil {
		t.Fatalf("HandleBatch returned error: %v", err)
	}

	var t1 []string
	for _, c := range d.calls() {
		if c[:3] == "t-1" {
			t1 = append(t1, c)
		}
	}
	want := []string{"t-1:prepare", "t-1:reserve", "t-1:commit"}
	if fmt.Sprint(t1) != fmt.Sprint(want) {
		t.Fatalf("records of one key must run in offset order, got %v", t1)
	}
	if d.maxInFlight.Load() < 2 {
		t.Fatalf("expected distinct keys to run concurrently, max in flight %d", d.maxInFlight.Load())
	}
}

func TestHandleBatchBoundsConcurrency(t *testing.T) {
	d := &dispatcherStub{delay: 5 * time.Millisecond}
	engine := newEngine(t, notification.Config{WorkerConcurrency: 2}, d, nil)

	var batch []*consumer.Record
	for i := 0; i < 8; i++ {
		batch = append(batch, record(t, int64(i), fmt.Sprintf("t-%d", i), envelope.ActionCommit))
	}
	if err := engine.HandleBatch(context.Background(), batch); err != nil {
		t.Fatalf("HandleBatch returned error: %v", err)
	}
	if got := d.maxInFlight.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent dispatches, got %d", got)
	}
}

func TestHandleBatchTransientFailureBlocksCommit(t *testing.T) {
	d := &dispatcherStub{results: map[string]error{
		"t-1:prepare": fault.WrapTransient(fault.ErrDelivery),
	}}
	dlq := &deadLetterCollector{}
	engine := newEngine(t, notification.Config{WorkerConcurrency: 2}, d, dlq)

	err := engine.HandleBatch(context.Background(), []*consumer.Record{
		record(t, 1, "t-1", envelope.ActionPrepare),
		record(t, 2, "t-1", envelope.ActionCommit),
		record(t, 3, "t-2", envelope.ActionCommit),
	})
	if err == nil {
		t.Fatal("expected transient failure to fail the batch")
	}

	for _, c := range d.calls() {
		if c == "t-1:commit" {
			t.Fatal("records after a transient failure of the same key must wait for redelivery")
		}
	}
	if len(dlq.records) != 0 {
		t.Fatalf("transient failures must not be dead-lettered, got %d", len(dlq.records))
	}
}

func TestHandleBatchPermanentFailureIsDeadLettered(t *testing.T) {
	d := &dispatcherStub{results: map[string]error{
		"t-1:prepare": fault.WrapPermanent(fmt.Errorf("%w: endpoint", fault.ErrNotFound)),
	}}
	dlq := &deadLetterCollector{}
	engine := newEngine(t, notification.Config{WorkerConcurrency: 1}, d, dlq)

	err := engine.HandleBatch(context.Background(), []*consumer.Record{record(t, 7, "t-1", envelope.ActionPrepare)})
	if err != nil {
		t.Fatalf("permanent failures must be acknowledged, got %v", err)
	}
	if len(dlq.records) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dlq.records))
	}
	dl := dlq.records[0]
	if dl.FailureType != models.FailureTypeNotFound || dl.CorrelationID != "t-1" || dl.Offset != 7 {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
}

func TestHandleBatchUndecodableRecordIsDeadLettered(t *testing.T) {
	d := &dispatcherStub{}
	dlq := &deadLetterCollector{}
	engine := newEngine(t, notification.Config{WorkerConcurrency: 1, MsgMaxBytes: 64}, d, dlq)

	oversized := &consumer.Record{Offset: 2, Key: []byte("t-9"), Value: make([]byte, 65)}
	garbage := &consumer.Record{Offset: 1, Key: []byte("t-8"), Value: []byte("not json")}

	if err := engine.HandleBatch(context.Background(), []*consumer.Record{garbage, oversized}); err != nil {
		t.Fatalf("HandleBatch returned error: %v", err)
	}
	if len(d.calls()) != 0 {
		t.Fatal("invalid records must not be dispatched")
	}
	if len(dlq.records) != 2 {
		t.Fatalf("expected two dead letters, got %d", len(dlq.records))
	}
	for _, dl := range dlq.records {
		if dl.FailureType != models.FailureTypeValidation {
			t.Fatalf("expected validation failure, got %+v", dl)
		}
	}
}

func TestHandleBatchCancelledContextIsRedelivered(t *testing.T) {
	d := &dispatcherStub{results: map[string]error{"t-1:commit": context.Canceled}}
	engine := newEngine(t, notification.Config{WorkerConcurrency: 1}, d, nil)

	err := engine.HandleBatch(context.Background(), []*consumer.Record{record(t, 1, "t-1", envelope.ActionCommit)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to fail the batch, got %v", err)
	}
}

func TestNewEngineValidatesDependencies(t *testing.T) {
	if _, err := notification.NewEngine(notification.Config{WorkerConcurrency: 0}, notification.Dependencies{Dispatcher: &dispatcherStub{}}); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
	if _, err := notification.NewEngine(notification.Config{WorkerConcurrency: 1}, notification.Dependencies{}); err == nil {
		t.Fatal("expected error without dispatcher")
	}
}
