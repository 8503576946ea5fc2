// Package builder turns inbound transfer requests into envelopes and writes
// them to the broker.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/switch-adapter/internal/endpoints"
	"github.com/example/switch-adapter/internal/envelope"
	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/kafka/publisher"
	"github.com/example/switch-adapter/internal/logger"
	"github.com/example/switch-adapter/internal/payload"
	"github.com/example/switch-adapter/internal/payloadcache"
	"github.com/example/switch-adapter/internal/proxycache"
	"github.com/example/switch-adapter/internal/tracing"
	"github.com/example/switch-adapter/internal/transcode"
	"github.com/example/switch-adapter/internal/util"
)

// Operation is the inbound request kind.
type Operation int

const (
	Prepare Operation = iota + 1
	Fulfil
	FulfilError
	Get
)

func (o Operation) String() string {
	switch o {
	case Prepare:
		return "prepare"
	case Fulfil:
		return "fulfil"
	case FulfilError:
		return "fulfil-error"
	case Get:
		return "get"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Request is an inbound transfer or fx-transfer request. URIParams carries
// the path id under "transferId" or "commitRequestId", which names the
// resource family where the body cannot.
type Request struct {
	Operation Operation
	Headers   map[string]string
	RawBody   []byte
	URIParams map[string]string
}

// Publisher writes envelopes to the broker.
type Publisher interface {
	Publish(ctx context.Context, e envelope.Envelope) (publisher.Receipt, error)
}

// Option customises the builder.
type Option func(*Builder)

// WithPayloadStore offloads original request bytes to store instead of
// carrying them inline.
func WithPayloadStore(store payloadcache.Store) Option {
	return func(b *Builder) {
		if store != nil {
			b.payloads = store
		}
	}
}

// WithProxyStore records the proxy an inbound request arrived through so
// callbacks to its sender are routed back via that proxy.
func WithProxyStore(store proxycache.Store) Option {
	return func(b *Builder) {
		if store != nil {
			b.proxies = store
		}
	}
}

// WithTranscoder makes the builder accept ISO 20022 bodies.
func WithTranscoder(t transcode.Transcoder) Option {
	return func(b *Builder) {
		if t != nil {
			b.transcoder = t
		}
	}
}

// WithTracer sets the tracer used for build spans and trace injection.
func WithTracer(t *tracing.Tracer) Option {
	return func(b *Builder) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDGenerator overrides the generator of event and payload ids.
func WithIDGenerator(gen func() string) Option {
	return func(b *Builder) {
		if gen != nil {
			b.newID = gen
		}
	}
}

// WithExpiryCheck rejects prepares whose expiration has passed.
func WithExpiryCheck(enabled bool) Option {
	return func(b *Builder) {
		b.checkExpiry = enabled
	}
}

// Builder constructs envelopes. It is safe for concurrent use.
type Builder struct {
	hub         string
	publisher   Publisher
	payloads    payloadcache.Store
	proxies     proxycache.Store
	transcoder  transcode.Transcoder
	tracer      *tracing.Tracer
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string
	checkExpiry bool
}

// New constructs a builder. hub is the participant name of the switch; pub
// may be nil when only Build is used.
func New(hub string, pub Publisher, logger zerolog.Logger, opts ...Option) (*Builder, error) {
	if strings.TrimSpace(hub) == "" {
		return nil, errors.New("builder: hub name is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	b := &Builder{
		hub:       hub,
		publisher: pub,
		tracer:    tracing.New(nil, nil),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Send builds the envelope for req and publishes it exactly once.
func (b *Builder) Send(ctx context.Context, req Request) (_ envelope.Envelope, err error) {
	ctx, span := b.tracer.Start(ctx, "builder "+req.Operation.String(), trace.SpanKindServer)
	defer func() { tracing.End(span, err) }()

	e, err := b.Build(ctx, req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if b.publisher == nil {
		return envelope.Envelope{}, fault.WrapTransient(fmt.Errorf("%w: builder: no publisher configured", fault.ErrInfrastructure))
	}

	log := logger.Transaction(b.logger, e.ID, string(e.Action()))
	receipt, err := b.publisher.Publish(ctx, e)
	if err != nil {
		log.Error().Err(err).Msg("envelope publish failed")
		return envelope.Envelope{}, fault.WrapTransient(fmt.Errorf("%w: builder: publish: %w", fault.ErrInfrastructure, err))
	}

	log.Info().
		Str(logger.FieldTopic, receipt.Topic).
		Int32(logger.FieldPartition, receipt.Partition).
		Int64(logger.FieldOffset, receipt.Offset).
		Msg("envelope accepted")
	return e, nil
}

// Build validates req and returns the envelope describing it. The original
// bytes are written to the payload store when one is configured.
func (b *Builder) Build(ctx context.Context, req Request) (envelope.Envelope, error) {
	headers := envelope.Headers(req.Headers).Clone()
	pathID, fxPath := pathParams(req.URIParams)

	var (
		p   payload.Payload
		err error
	)
	if req.Operation != Get {
		if p, err = b.parse(req.RawBody, fxPath); err != nil {
			return envelope.Envelope{}, err
		}
	}

	var (
		id         string
		to, from   string
		action     envelope.Action
		eventType  envelope.Type
		fx         bool
		withParams bool
	)

	switch req.Operation {
	case Prepare:
		eventType = envelope.TypePrepare
		if err := p.Validate(); err != nil {
			return envelope.Envelope{}, err
		}
		switch v := p.(type) {
		case *payload.Transfer:
			id, to, from = v.TransferID, v.PayeeFsp, v.PayerFsp
			err = b.checkExpiration(v.Expiration)
		case *payload.FxTransfer:
			id, to, from, fx = v.CommitRequestID, v.CounterPartyFsp, v.InitiatingFsp, true
			err = b.checkExpiration(v.Expiration)
		default:
			err = fault.Validation("prepare requires a transfer or fxTransfer payload, got %s", p.Kind())
		}
		if err != nil {
			return envelope.Envelope{}, err
		}
		action = envelope.ActionPrepare.ForFamily(fx)

	case Fulfil:
		eventType, withParams = envelope.TypeFulfil, true
		state, ok := payload.State(p)
		if !ok {
			return envelope.Envelope{}, fault.Validation("fulfil requires transferState or conversionState, got %s payload", p.Kind())
		}
		if err := p.Validate(); err != nil {
			return envelope.Envelope{}, err
		}
		fx = p.IsFx()
		if pathID != "" && fx != fxPath {
			return envelope.Envelope{}, fault.Validation("%s payload does not match the requested resource", p.Kind())
		}
		if action, err = fulfilAction(state); err != nil {
			return envelope.Envelope{}, err
		}
		action = action.ForFamily(fx)

	case FulfilError:
		eventType, withParams, fx = envelope.TypeFulfil, true, fxPath
		if p.Kind() != payload.KindError {
			return envelope.Envelope{}, fault.Validation("error callback requires errorInformation, got %s payload", p.Kind())
		}
		if err := p.Validate(); err != nil {
			return envelope.Envelope{}, err
		}
		action = envelope.ActionAbort.ForFamily(fx)

	case Get:
		eventType, withParams, fx = envelope.TypeGet, true, fxPath
		action = envelope.ActionGet.ForFamily(fx)
		to = b.hub

	default:
		return envelope.Envelope{}, fault.Validation("unsupported operation %s", req.Operation)
	}

	if withParams {
		if pathID == "" {
			return envelope.Envelope{}, fault.Validation("%s requires a transfer id in the path", req.Operation)
		}
		id = pathID
		from = headers.Get(envelope.HeaderSource)
		if req.Operation != Get {
			to = headers.Get(envelope.HeaderDestination)
		}
	}
	if from == "" {
		from = headers.Get(envelope.HeaderSource)
	}
	if from == "" {
		return envelope.Envelope{}, fault.Validation("%s header is required", envelope.HeaderSource)
	}
	if to == "" {
		return envelope.Envelope{}, fault.Validation("%s header is required", envelope.HeaderDestination)
	}

	content := envelope.Content{Headers: headers}
	if withParams {
		content.URIParams = map[string]string{envelope.URIParamID: id}
	}

	if err := b.attachPayload(ctx, &content, req, p); err != nil {
		return envelope.Envelope{}, err
	}

	if proxyID := headers.Get(envelope.HeaderProxy); proxyID != "" {
		content.Context.ProxyID = proxyID
		b.rememberProxy(ctx, from, proxyID)
	}

	carrier := b.tracer.Inject(ctx)
	content.Context.Trace = carrier

	contentType := headers.Get(envelope.HeaderContentType)
	if contentType == "" {
		contentType = envelope.ContentTypeFor(fx, b.transcoder != nil)
	}

	return envelope.Envelope{
		ID:      id,
		To:      to,
		From:    from,
		Type:    contentType,
		Content: content,
		Metadata: envelope.Metadata{
			Event: envelope.Event{
				ID:        b.newID(),
				Type:      eventType,
				Action:    action,
				CreatedAt: b.now().UTC(),
				State:     envelope.State{Status: envelope.StatusSuccess},
			},
			Trace: copyCarrier(carrier),
		},
	}, nil
}

// pathParams returns the path id and whether it names an fx-transfer.
func pathParams(params map[string]string) (string, bool) {
	if id := strings.TrimSpace(params[endpoints.ParamCommitRequestID]); id != "" {
		return id, true
	}
	return strings.TrimSpace(params[endpoints.ParamTransferID]), false
}

func (b *Builder) parse(raw []byte, fx bool) (payload.Payload, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fault.Validation("request body is required")
	}
	if b.transcoder == nil {
		return payload.Parse(raw)
	}
	p, err := b.transcoder.FromISO(raw, fx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func fulfilAction(state string) (envelope.Action, error) {
	switch state {
	case payload.StateReserved:
		return envelope.ActionReserve, nil
	case payload.StateCommitted:
		return envelope.ActionCommit, nil
	case payload.StateAborted:
		return envelope.ActionReject, nil
	default:
		return "", fault.Validation("state %q is not a valid fulfil state", state)
	}
}

func (b *Builder) checkExpiration(expiration string) error {
	if !b.checkExpiry || expiration == "" {
		return nil
	}
	ts, err := util.ParseRFC3339(expiration)
	if err != nil {
		return fault.Validation("expiration: %v", err)
	}
	if !ts.After(b.now()) {
		return fmt.Errorf("%w: expiration %s has passed", fault.ErrExpired, expiration)
	}
	return nil
}

// attachPayload sets content.payload and the original payload reference.
// With transcoding the business payload is the FSPIOP rendering of the ISO
// body; the ISO bytes travel as the original.
func (b *Builder) attachPayload(ctx context.Context, content *envelope.Content, req Request, p payload.Payload) error {
	if p == nil {
		content.Payload = envelope.EmptyPayload
		return nil
	}

	business := json.RawMessage(req.RawBody)
	if b.transcoder != nil {
		raw, err := payload.Marshal(p)
		if err != nil {
			return err
		}
		business = raw
		content.Context.ISOPayload = true
	}

	if b.payloads == nil {
		content.Payload = business
		content.Context = content.Context.WithOriginalPayload(envelope.InlinePayload(req.RawBody))
		return nil
	}

	originalID := b.newID()
	if err := b.payloads.SetPayload(ctx, originalID, req.RawBody); err != nil {
		return fault.WrapTransient(fmt.Errorf("%w: builder: store original payload: %w", fault.ErrInfrastructure, err))
	}
	content.Payload = envelope.EmptyPayload
	content.Context = content.Context.WithOriginalPayload(envelope.PointerPayload(originalID))
	return nil
}

func (b *Builder) rememberProxy(ctx context.Context, participantID, proxyID string) {
	if b.proxies == nil {
		return
	}
	if err := b.proxies.Add(ctx, participantID, proxyID); err != nil {
		b.logger.Warn().Err(err).Str("participant", participantID).Str("proxy", proxyID).Msg("proxy mapping not recorded")
	}
}

func copyCarrier(c map[string]string) map[string]string {
	if len(c) == 0 {
		return nil
	}
	out := make(map[string]string, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
