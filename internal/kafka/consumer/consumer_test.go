package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

type fakeSession struct {
	ctx context.Context

	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "topic-notification-event" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newTestConsumer(commitOnAck bool, handler BatchHandler, opts ...Option) *Consumer {
	settings := defaultOptions(commitOnAck)
	settings.retryBackoff = 0
	for _, opt := range opts {
		opt(settings)
	}
	c := newConsumer(nil, "switch-adapter-notification", zerolog.Nop(), commitOnAck, settings)
	c.handler = handler
	return c
}

func feed(offsets ...int64) *fakeClaim {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(offsets))}
	for _, off := range offsets {
		claim.messages <- &sarama.ConsumerMessage{
			Topic:   "topic-notification-event",
			Offset:  off,
			Key:     []byte("t-1"),
			Value:   []byte(`{}`),
			Headers: []*sarama.RecordHeader{{Key: []byte("action"), Value: []byte("prepare")}},
		}
	}
	close(claim.messages)
	return claim
}

func TestConsumeClaimBatchesAndCommits(t *testing.T) {
	var sizes []int
	c := newTestConsumer(true, func(_ context.Context, records []*Record) error {
		sizes = append(sizes, len(records))
		return nil
	}, WithBatchSize(2))

	session := &fakeSession{ctx: context.Background()}
	if err := (&groupHandler{consumer: c}).ConsumeClaim(session, feed(10, 11, 12)); err != nil {
		t.Fatalf("ConsumeClaim returned error: %v", err)
	}

	if len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Fatalf("unexpected batch sizes %v", sizes)
	}
	if len(session.marked) != 2 || session.marked[0] != 11 || session.marked[1] != 12 {
		t.Fatalf("expected last offset of each batch to be marked, got %v", session.marked)
	}
	if session.commits != 2 {
		t.Fatalf("expected one commit per batch, got %d", session.commits)
	}
}

func TestConsumeClaimFailedBatchIsNotMarked(t *testing.T) {
	c := newTestConsumer(true, func(context.Context, []*Record) error {
		return errors.New("endpoint unavailable")
	})

	session := &fakeSession{ctx: context.Background()}
	err := (&groupHandler{consumer: c}).ConsumeClaim(session, feed(5, 6))
	if !errors.Is(err, errBatchFailed) {
		t.Fatalf("expected batch failure, got %v", err)
	}
	if len(session.marked) != 0 || session.commits != 0 {
		t.Fatalf("failed batch must stay uncommitted, marked=%v commits=%d", session.marked, session.commits)
	}
}

func TestConsumeClaimAutoCommitMarksFailures(t *testing.T) {
	c := newTestConsumer(false, func(context.Context, []*Record) error {
		return errors.New("endpoint unavailable")
	})

	session := &fakeSession{ctx: context.Background()}
	if err := (&groupHandler{consumer: c}).ConsumeClaim(session, feed(7)); err != nil {
		t.Fatalf("auto-commit must swallow batch errors, got %v", err)
	}
	if len(session.marked) != 1 || session.commits != 0 {
		t.Fatalf("expected mark without explicit commit, marked=%v commits=%d", session.marked, session.commits)
	}
}

func TestConsumeClaimFlushesAfterWait(t *testing.T) {
	delivered := make(chan []*Record, 1)
	c := newTestConsumer(true, func(_ context.Context, records []*Record) error {
		delivered <- records
		return nil
	}, WithBatchSize(100), WithBatchWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`{}`)}

	done := make(chan error, 1)
	go func() { done <- (&groupHandler{consumer: c}).ConsumeClaim(session, claim) }()

	select {
	case records := <-delivered:
		if len(records) != 1 || records[0].Offset != 1 {
			t.Fatalf("unexpected records %+v", records)
		}
	case <-time.After(time.Second):
		t.Fatal("partial batch was not flushed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("ConsumeClaim returned error: %v", err)
	}
}

func TestNewRecordCopiesHeaders(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Key:     []byte("k"),
		Value:   []byte("v"),
		Headers: []*sarama.RecordHeader{{Key: []byte("traceparent"), Value: []byte("00-abc")}, nil, {Key: nil}},
	}
	rec := newRecord(msg)
	msg.Value[0] = 'x'

	if string(rec.Value) != "v" {
		t.Fatalf("record value must be copied, got %q", rec.Value)
	}
	if len(rec.Headers) != 1 || string(rec.Headers["traceparent"]) != "00-abc" {
		t.Fatalf("unexpected headers %v", rec.Headers)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, "group", zerolog.Nop(), true); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := New([]string{"localhost:9092"}, "", zerolog.Nop(), true); err == nil {
		t.Fatal("expected error without group id")
	}
}
