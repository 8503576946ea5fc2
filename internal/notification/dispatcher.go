// Package notification turns ledger outcome envelopes into participant
// callbacks.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/switch-adapter/internal/callback"
	"github.com/example/switch-adapter/internal/endpoints"
	"github.com/example/switch-adapter/internal/envelope"
	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/logger"
	"github.com/example/switch-adapter/internal/payload"
	"github.com/example/switch-adapter/internal/payloadcache"
	"github.com/example/switch-adapter/internal/tracing"
	"github.com/example/switch-adapter/internal/transcode"
)

// Resolver finds the callback URL of a participant.
type Resolver interface {
	Resolve(ctx context.Context, participantID string, endpointType endpoints.EndpointType, params map[string]string, allowProxy bool) (endpoints.Resolution, error)
}

// Deliverer performs one HTTP callback.
type Deliverer interface {
	Deliver(ctx context.Context, req callback.Request) (callback.Response, error)
}

// DispatcherOption customises the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPayloadStore enables retrieval of offloaded original payloads.
func WithPayloadStore(store payloadcache.Store) DispatcherOption {
	return func(d *Dispatcher) {
		if store != nil {
			d.payloads = store
		}
	}
}

// WithTranscoder makes participant payloads ISO 20022.
func WithTranscoder(t transcode.Transcoder) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.transcoder = t
		}
	}
}

// WithTracer sets the tracer used for dispatch spans and traceparent headers.
func WithTracer(t *tracing.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// Dispatcher delivers the callbacks for a single envelope.
type Dispatcher struct {
	hub        string
	resolver   Resolver
	client     Deliverer
	payloads   payloadcache.Store
	transcoder transcode.Transcoder
	tracer     *tracing.Tracer
	logger     zerolog.Logger
}

// NewDispatcher constructs a dispatcher. hub is the participant name of the
// switch itself; it never receives callbacks.
func NewDispatcher(hub string, resolver Resolver, client Deliverer, logger zerolog.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if strings.TrimSpace(hub) == "" {
		return nil, errors.New("notification: hub name is required")
	}
	if resolver == nil {
		return nil, errors.New("notification: resolver is required")
	}
	if client == nil {
		return nil, errors.New("notification: callback client is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := &Dispatcher{
		hub:      hub,
		resolver: resolver,
		client:   client,
		tracer:   tracing.New(nil, nil),
		logger:   logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// delivery is one planned callback.
type delivery struct {
	recipient string
	method    string
	isError   bool
	reduced   bool
	// relay keeps the original sender as source.
	relay bool
}

// Dispatch delivers every callback the envelope calls for. Siblings are
// attempted even when one fails. The returned error is transient when at
// least one delivery may succeed on redelivery, permanent otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, e envelope.Envelope) (err error) {
	route, err := routeForEvent(e)
	if err != nil {
		return fault.WrapPermanent(fmt.Errorf("%w: %w", fault.ErrValidation, err))
	}

	carrier := e.Metadata.Trace
	if len(carrier) == 0 {
		carrier = e.Content.Context.Trace
	}
	ctx = d.tracer.Extract(ctx, carrier)
	ctx, span := d.tracer.Start(ctx, "notification "+string(e.Action()), trace.SpanKindConsumer)
	defer func() { tracing.End(span, err) }()

	log := logger.Transaction(d.logger, e.TransactionID(), string(e.Action()))

	plan := d.plan(e, route)
	if len(plan) == 0 {
		log.Debug().Str("pattern", route.Pattern.String()).Msg("no callback recipients")
		return nil
	}

	original, err := d.originalPayload(ctx, e, log)
	if err != nil {
		return err
	}

	var transient, permanent []error
	for _, dl := range plan {
		derr := d.deliver(ctx, e, dl, original, log)
		switch {
		case derr == nil:
		case fault.IsTransient(derr):
			transient = append(transient, derr)
		default:
			permanent = append(permanent, derr)
		}
	}

	if len(transient) > 0 {
		for _, perr := range permanent {
			log.Warn().Err(perr).Msg("callback failed permanently")
		}
		return errors.Join(transient...)
	}
	if len(permanent) > 0 {
		return fault.WrapPermanent(errors.Join(permanent...))
	}
	return nil
}

func (d *Dispatcher) plan(e envelope.Envelope, route Route) []delivery {
	var out []delivery
	add := func(dl delivery) {
		if dl.recipient == "" || d.isHub(dl.recipient) {
			return
		}
		for _, existing := range out {
			if existing.recipient == dl.recipient && existing.method == dl.method {
				return
			}
		}
		out = append(out, dl)
	}

	relayToDestination := route.Forward && !d.isHub(e.From)

	switch route.Pattern {
	case PatternSingle:
		add(delivery{recipient: e.To, method: route.Method, isError: route.Error, relay: relayToDestination})
	case PatternDual:
		add(delivery{recipient: e.To, method: route.Method, isError: route.Error, relay: relayToDestination})
		add(delivery{recipient: e.From, method: route.Method, isError: route.Error})
	case PatternSender:
		add(delivery{recipient: d.sender(e), method: route.Method, isError: route.Error})
	case PatternReserve:
		add(delivery{recipient: e.To, method: route.Method, relay: relayToDestination})
		add(delivery{recipient: e.From, method: http.MethodPatch, reduced: true})
	}
	return out
}

// sender is the participant that issued the original request. The ledger
// addresses hub-generated errors from the hub, in which case the original
// sender is found in to.
func (d *Dispatcher) sender(e envelope.Envelope) string {
	if e.From == "" || d.isHub(e.From) {
		return e.To
	}
	return e.From
}

func (d *Dispatcher) isHub(participant string) bool {
	return strings.EqualFold(strings.TrimSpace(participant), d.hub)
}

func (d *Dispatcher) deliver(ctx context.Context, e envelope.Envelope, dl delivery, original originalBody, log zerolog.Logger) error {
	log = log.With().Str(logger.FieldRecipient, dl.recipient).Str("method", dl.method).Logger()
	fx := e.IsFx()

	body, err := d.body(e, dl, original)
	if err != nil {
		log.Error().Err(err).Msg("callback body could not be built")
		return err
	}

	id := e.TransactionID()
	resolution, err := d.resolver.Resolve(ctx, dl.recipient, endpointType(fx, dl), templateParams(fx, id), true)
	if err != nil {
		log.Error().Err(err).Msg("callback endpoint not resolved")
		return err
	}

	headers := d.headers(ctx, e, dl, resolution)
	_, err = d.client.Deliver(ctx, callback.Request{
		Method:  dl.method,
		URL:     resolution.URL,
		Headers: headers,
		Body:    body,
		Action:  string(e.Action()),
	})
	if err != nil {
		log.Warn().Err(err).Str("url", resolution.URL).Msg("callback delivery failed")
		return err
	}

	log.Info().Str("url", resolution.URL).Bool("via_proxy", resolution.ViaProxy()).Msg("callback delivered")
	return nil
}

func endpointType(fx bool, dl delivery) endpoints.EndpointType {
	switch {
	case dl.isError && fx:
		return endpoints.FxTransferError
	case dl.isError:
		return endpoints.TransferError
	case dl.method == http.MethodPost && fx:
		return endpoints.FxTransferPost
	case dl.method == http.MethodPost:
		return endpoints.TransferPost
	case fx:
		return endpoints.FxTransferPut
	default:
		return endpoints.TransferPut
	}
}

func templateParams(fx bool, id string) map[string]string {
	if fx {
		return map[string]string{endpoints.ParamCommitRequestID: id}
	}
	return map[string]string{endpoints.ParamTransferID: id}
}

// resourceURI is the FSPIOP-URI of the callback.
func resourceURI(fx bool, id string, dl delivery) string {
	base := "/transfers"
	if fx {
		base = "/fxTransfers"
	}
	if dl.method == http.MethodPost {
		return base
	}
	uri := base + "/" + id
	if dl.isError {
		uri += "/error"
	}
	return uri
}

func (d *Dispatcher) headers(ctx context.Context, e envelope.Envelope, dl delivery, res endpoints.Resolution) map[string]string {
	h := e.Content.Headers.Clone()
	fx := e.IsFx()

	h.Set(envelope.HeaderHTTPMethod, dl.method)
	h.Set(envelope.HeaderURI, resourceURI(fx, e.TransactionID(), dl))
	h.Del(envelope.HeaderContentLength)

	if !dl.relay {
		h.Set(envelope.HeaderSource, d.hub)
		h.Set(envelope.HeaderDestination, dl.recipient)
		h.Del(envelope.HeaderSignature)
	} else if h.Get(envelope.HeaderDestination) == "" {
		h.Set(envelope.HeaderDestination, dl.recipient)
	}

	switch {
	case d.transcoder != nil:
		h.Set(envelope.HeaderContentType, envelope.ContentTypeFor(fx, true))
	case h.Get(envelope.HeaderContentType) == "":
		h.Set(envelope.HeaderContentType, envelope.ContentTypeFor(fx, false))
	}

	if res.ViaProxy() && h.Get(envelope.HeaderProxy) == "" {
		h.Set(envelope.HeaderProxy, res.ProxyID)
	}

	for k, v := range d.tracer.Inject(ctx) {
		h.Set(k, v)
	}
	return h
}

// originalBody is the request body the envelope refers to.
type originalBody struct {
	raw []byte
	iso bool
}

// originalPayload reconstructs the byte-identical original request: inline
// bytes first, then the offload store. When neither is available the business
// payload of the envelope is used.
func (d *Dispatcher) originalPayload(ctx context.Context, e envelope.Envelope, log zerolog.Logger) (originalBody, error) {
	ref := e.Content.Context.OriginalPayload()
	switch ref.Kind() {
	case envelope.RefInline:
		raw := ref.Bytes()
		return originalBody{raw: raw, iso: e.Content.Context.ISOPayload || transcode.IsISO(raw)}, nil
	case envelope.RefPointer:
		if d.payloads == nil {
			log.Warn().Str("payload_id", ref.ID()).Msg("offloaded payload referenced but no payload store configured, using envelope payload")
			break
		}
		raw, ok, err := d.payloads.GetPayload(ctx, ref.ID())
		if err != nil {
			return originalBody{}, fault.WrapTransient(fmt.Errorf("%w: payload store: %w", fault.ErrInfrastructure, err))
		}
		if !ok {
			log.Warn().Str("payload_id", ref.ID()).Msg("offloaded payload missing, using envelope payload")
			break
		}
		return originalBody{raw: raw, iso: e.Content.Context.ISOPayload || transcode.IsISO(raw)}, nil
	}

	raw := []byte(e.Content.Payload)
	return originalBody{raw: raw, iso: transcode.IsISO(raw)}, nil
}

func (d *Dispatcher) body(e envelope.Envelope, dl delivery, original originalBody) ([]byte, error) {
	switch {
	case dl.isError:
		return d.errorBody(e, original)
	case dl.reduced:
		return d.reducedBody(e, original)
	default:
		return d.outbound(original)
	}
}

// outbound converts body to the participant wire format.
func (d *Dispatcher) outbound(body originalBody) ([]byte, error) {
	if d.transcoder == nil || body.iso {
		return body.raw, nil
	}
	p, err := payload.Parse(body.raw)
	if err != nil {
		return nil, fault.WrapPermanent(err)
	}
	return d.encode(p)
}

func (d *Dispatcher) encode(p payload.Payload) ([]byte, error) {
	if d.transcoder == nil {
		raw, err := payload.Marshal(p)
		if err != nil {
			return nil, fault.WrapPermanent(err)
		}
		return raw, nil
	}
	raw, err := d.transcoder.ToISO(p)
	if err != nil {
		return nil, fault.WrapPermanent(err)
	}
	return raw, nil
}

func (d *Dispatcher) decode(body originalBody, fx bool) (payload.Payload, error) {
	if body.iso {
		if d.transcoder == nil {
			return nil, fault.WrapPermanent(fmt.Errorf("%w: iso payload without transcoder", fault.ErrTranscoding))
		}
		p, err := d.transcoder.FromISO(body.raw, fx)
		if err != nil {
			return nil, fault.WrapPermanent(err)
		}
		return p, nil
	}
	p, err := payload.Parse(body.raw)
	if err != nil {
		return nil, fault.WrapPermanent(err)
	}
	return p, nil
}

// reducedBody builds the payee PATCH of a reservation.
func (d *Dispatcher) reducedBody(e envelope.Envelope, original originalBody) ([]byte, error) {
	p, err := d.decode(original, e.IsFx())
	if err != nil {
		return nil, err
	}
	reduced, ok := payload.Reduced(p)
	if !ok {
		return nil, fault.WrapPermanent(fault.Validation("reserve notification carries a %s payload", p.Kind()))
	}
	return d.encode(reduced)
}

// errorBody picks the error object for an error callback: the original
// request when it is an error, then the envelope payload when it is one, else
// an error built from the event state. An original already in the outbound
// format is sent byte for byte.
func (d *Dispatcher) errorBody(e envelope.Envelope, original originalBody) ([]byte, error) {
	if p, err := d.decode(original, e.IsFx()); err == nil && p.Kind() == payload.KindError {
		return d.outbound(original)
	}
	if p, err := payload.Parse(e.Content.Payload); err == nil && p.Kind() == payload.KindError {
		return d.outbound(originalBody{raw: e.Content.Payload})
	}

	state := e.Metadata.Event.State
	code := fault.CodeInternal
	if state.Code > 0 {
		code = strconv.Itoa(state.Code)
	}
	description := state.Description
	if description == "" {
		description = "Internal server error"
	}
	return d.encode(payload.NewError(code, description))
}
