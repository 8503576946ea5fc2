package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/switch-adapter/internal/callback"
	"github.com/example/switch-adapter/internal/endpoints"
	"github.com/example/switch-adapter/internal/envelope"
	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/payload"
	"github.com/example/switch-adapter/internal/payloadcache"
	"github.com/example/switch-adapter/internal/proxycache"
	"github.com/example/switch-adapter/internal/transcode"
)

const hub = "Hub"

type captured struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// sink is a participant-side HTTP server recording every callback.
type sink struct {
	mu     sync.Mutex
	reqs   []captured
	status int
	srv    *httptest.Server
}

func newSink(t *testing.T) *sink {
	t.Helper()
	s := &sink{status: http.StatusOK}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.reqs = append(s.reqs, captured{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		status := s.status
		s.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sink) setStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func (s *sink) requests() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]captured(nil), s.reqs...)
}

func (s *sink) byPath(t *testing.T, path string) captured {
	t.Helper()
	for _, r := range s.requests() {
		if r.Path == path {
			return r
		}
	}
	t.Fatalf("no callback received on %s, got %+v", path, s.requests())
	return captured{}
}

type directory map[string]endpoints.Table

func (d directory) FetchEndpoints(_ context.Context, id string) (endpoints.Table, error) {
	return d[id], nil
}

func tableFor(base, name string) endpoints.Table {
	root := base + "/" + name
	return endpoints.Table{
		endpoints.TransferPost:    root + "/transfers",
		endpoints.TransferPut:     root + "/transfers/{{transferId}}",
		endpoints.TransferError:   root + "/transfers/{{transferId}}/error",
		endpoints.FxTransferPost:  root + "/fxTransfers",
		endpoints.FxTransferPut:   root + "/fxTransfers/{{commitRequestId}}",
		endpoints.FxTransferError: root + "/fxTransfers/{{commitRequestId}}/error",
	}
}

type fixture struct {
	sink       *sink
	proxies    *proxycache.MemoryStore
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, opts ...DispatcherOption) *fixture {
	t.Helper()
	s := newSink(t)
	dir := directory{
		"payerfsp": tableFor(s.srv.URL, "payerfsp"),
		"payeefsp": tableFor(s.srv.URL, "payeefsp"),
		"fxp":      tableFor(s.srv.URL, "fxp"),
		"proxyA":   tableFor(s.srv.URL, "proxyA"),
	}
	proxies := proxycache.NewMemoryStore()
	cache, err := endpoints.New(dir, proxies)
	require.NoError(t, err)

	client := callback.New(zerolog.Nop(), callback.WithTimeout(2*time.Second))
	d, err := NewDispatcher(hub, cache, client, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return &fixture{sink: s, proxies: proxies, dispatcher: d}
}

const (
	prepareBody = `{"transferId":"t-1","payerFsp":"payerfsp","payeeFsp":"payeefsp","amount":{"currency":"USD","amount":"10"},"ilpPacket":"pkt","condition":"cond","expiration":"2026-10-16T10:00:00.000Z"}`
	reserveBody = `{"transferState":"RESERVED","fulfilment":"secret-fulfilment","completedTimestamp":"2026-10-16T09:00:00.000Z"}`
	commitBody  = `{"transferState":"COMMITTED","fulfilment":"secret-fulfilment","completedTimestamp":"2026-10-16T09:00:00.000Z"}`
	errorBody   = `{"errorInformation":{"errorCode":"3100","errorDescription":"Generic validation error"}}`
)

func newEnvelope(action envelope.Action, to, from string, raw string) envelope.Envelope {
	return envelope.Envelope{
		ID:   "t-1",
		To:   to,
		From: from,
		Type: "application/json",
		Content: envelope.Content{
			Headers: envelope.Headers{
				envelope.HeaderSource:        from,
				envelope.HeaderDestination:   to,
				envelope.HeaderSignature:     "sig",
				envelope.HeaderContentType:   envelope.ContentTypeTransfers,
				envelope.HeaderContentLength: "123",
			},
			Payload: json.RawMessage(raw),
			Context: envelope.Context{}.WithOriginalPayload(envelope.InlinePayload([]byte(raw))),
		},
		Metadata: envelope.Metadata{Event: envelope.Event{
			ID:     "ev-1",
			Type:   envelope.TypeNotification,
			Action: action,
			State:  envelope.State{Status: envelope.StatusSuccess},
		}},
	}
}

func TestRoutingTableCoversEveryAction(t *testing.T) {
	for _, a := range envelope.Actions() {
		_, err := RouteFor(a)
		require.NoError(t, err, a)
	}
	_, err := RouteFor("explode")
	require.Error(t, err)
}

func TestPrepareIsForwardedToPayee(t *testing.T) {
	f := newFixture(t)
	e := newEnvelope(envelope.ActionPrepare, "payeefsp", "payerfsp", prepareBody)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))

	reqs := f.sink.requests()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/payeefsp/transfers", got.Path)
	assert.Equal(t, prepareBody, string(got.Body))
	assert.Equal(t, "payerfsp", got.Header.Get(envelope.HeaderSource))
	assert.Equal(t, "sig", got.Header.Get(envelope.HeaderSignature))
	assert.Equal(t, http.MethodPost, got.Header.Get(envelope.HeaderHTTPMethod))
	assert.Equal(t, "/transfers", got.Header.Get(envelope.HeaderURI))
	// the envelope must not be modified by header rewriting
	assert.Equal(t, "123", e.Content.Headers.Get(envelope.HeaderContentLength))
}

func TestReserveIsAsymmetric(t *testing.T) {
	f := newFixture(t)
	e := newEnvelope(envelope.ActionReserve, "payerfsp", "payeefsp", reserveBody)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))
	require.Len(t, f.sink.requests(), 2)

	payer := f.sink.byPath(t, "/payerfsp/transfers/t-1")
	assert.Equal(t, http.MethodPut, payer.Method)
	assert.Equal(t, reserveBody, string(payer.Body))
	assert.Equal(t, "payeefsp", payer.Header.Get(envelope.HeaderSource))

	payee := f.sink.byPath(t, "/payeefsp/transfers/t-1")
	assert.Equal(t, http.MethodPatch, payee.Method)
	assert.JSONEq(t, `{"transferState":"RESERVED","completedTimestamp":"2026-10-16T09:00:00.000Z"}`, string(payee.Body))
	assert.NotContains(t, string(payee.Body), "fulfilment")
	assert.Equal(t, hub, payee.Header.Get(envelope.HeaderSource))
	assert.Equal(t, "payeefsp", payee.Header.Get(envelope.HeaderDestination))
	assert.Empty(t, payee.Header.Get(envelope.HeaderSignature))
}

func TestCommitNotifiesBothParties(t *testing.T) {
	f := newFixture(t)
	e := newEnvelope(envelope.ActionCommit, "payerfsp", "payeefsp", commitBody)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))
	require.Len(t, f.sink.requests(), 2)

	payer := f.sink.byPath(t, "/payerfsp/transfers/t-1")
	payee := f.sink.byPath(t, "/payeefsp/transfers/t-1")
	assert.Equal(t, commitBody, string(payer.Body))
	assert.Equal(t, commitBody, string(payee.Body))
	assert.Equal(t, "payeefsp", payer.Header.Get(envelope.HeaderSource))
	assert.Equal(t, hub, payee.Header.Get(envelope.HeaderSource))
	assert.Equal(t, "/transfers/t-1", payee.Header.Get(envelope.HeaderURI))
}

func TestFxCommitUsesFxEndpoints(t *testing.T) {
	f := newFixture(t)
	body := `{"conversionState":"COMMITTED","fulfilment":"f","completedTimestamp":"2026-10-16T09:00:00.000Z"}`
	e := newEnvelope(envelope.ActionFxCommit, "payerfsp", "fxp", body)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))
	fxp := f.sink.byPath(t, "/fxp/fxTransfers/t-1")
	assert.Equal(t, "/fxTransfers/t-1", fxp.Header.Get(envelope.HeaderURI))
	f.sink.byPath(t, "/payerfsp/fxTransfers/t-1")
}

func TestValidationErrorGoesToSenderErrorEndpoint(t *testing.T) {
	for name, from := range map[string]string{"sender in from": "payerfsp", "re-addressed by hub": hub} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			to := "payeefsp"
			if from == hub {
				to = "payerfsp"
			}
			e := newEnvelope(envelope.ActionAbortValidation, to, from, prepareBody)
			e.Content.Payload = json.RawMessage(errorBody)
			e.Metadata.Event.State = envelope.State{Status: envelope.StatusError, Code: 3100, Description: "Generic validation error"}

			require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))

			reqs := f.sink.requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, "/payerfsp/transfers/t-1/error", reqs[0].Path)
			assert.Equal(t, http.MethodPut, reqs[0].Method)
			assert.JSONEq(t, errorBody, string(reqs[0].Body))
			assert.Equal(t, "/transfers/t-1/error", reqs[0].Header.Get(envelope.HeaderURI))
			assert.Equal(t, hub, reqs[0].Header.Get(envelope.HeaderSource))
		})
	}
}

func TestErrorStateOnSuccessRouteNotifiesSender(t *testing.T) {
	f := newFixture(t)
	e := newEnvelope(envelope.ActionCommit, "payerfsp", "payeefsp", commitBody)
	e.Metadata.Event.State = envelope.State{Status: envelope.StatusError, Code: 3303, Description: "Transfer expired"}

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))

	reqs := f.sink.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/payeefsp/transfers/t-1/error", reqs[0].Path)
	assert.JSONEq(t, `{"errorInformation":{"errorCode":"3303","errorDescription":"Transfer expired"}}`, string(reqs[0].Body))
}

func TestHubRecipientsAreSkipped(t *testing.T) {
	f := newFixture(t)
	e := newEnvelope(envelope.ActionGet, hub, "payerfsp", commitBody)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))
	assert.Empty(t, f.sink.requests())
}

func TestUnknownParticipantRoutesThroughProxy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.proxies.Add(context.Background(), "remotefsp", "proxyA"))
	e := newEnvelope(envelope.ActionPrepare, "remotefsp", "payerfsp", prepareBody)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))

	got := f.sink.byPath(t, "/proxyA/transfers")
	assert.Equal(t, "proxyA", got.Header.Get(envelope.HeaderProxy))
	assert.Equal(t, "remotefsp", got.Header.Get(envelope.HeaderDestination))
}

func TestUnknownParticipantWithoutProxyIsPermanent(t *testing.T) {
	f := newFixture(t)
	e := newEnvelope(envelope.ActionPrepare, "ghostfsp", "payerfsp", prepareBody)

	err := f.dispatcher.Dispatch(context.Background(), e)
	require.Error(t, err)
	assert.False(t, fault.IsTransient(err))
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestFailedSiblingDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.sink.setStatus(http.StatusServiceUnavailable)
	e := newEnvelope(envelope.ActionCommit, "payerfsp", "payeefsp", commitBody)

	err := f.dispatcher.Dispatch(context.Background(), e)
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
	assert.Len(t, f.sink.requests(), 2)
}

func TestOffloadedPayloadIsRetrieved(t *testing.T) {
	store := payloadcache.NewMemoryStore(time.Hour, nil)
	require.NoError(t, store.SetPayload(context.Background(), "orig-1", []byte(prepareBody)))
	f := newFixture(t, WithPayloadStore(store))

	e := newEnvelope(envelope.ActionPrepare, "payeefsp", "payerfsp", prepareBody)
	e.Content.Payload = envelope.EmptyPayload
	e.Content.Context = e.Content.Context.WithOriginalPayload(envelope.PointerPayload("orig-1"))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))
	assert.Equal(t, prepareBody, string(f.sink.byPath(t, "/payeefsp/transfers").Body))
}

func TestMissingOffloadedPayloadFallsBackToEnvelope(t *testing.T) {
	store := payloadcache.NewMemoryStore(time.Hour, nil)
	f := newFixture(t, WithPayloadStore(store))

	e := newEnvelope(envelope.ActionCommit, "payerfsp", "payeefsp", commitBody)
	e.Content.Context = e.Content.Context.WithOriginalPayload(envelope.PointerPayload("evicted"))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))
	assert.Equal(t, commitBody, string(f.sink.byPath(t, "/payerfsp/transfers/t-1").Body))
}

func TestTranscodingRewritesErrorsAndContentType(t *testing.T) {
	f := newFixture(t, WithTranscoder(transcode.New()))
	e := newEnvelope(envelope.ActionAbortValidation, "payeefsp", "payerfsp", prepareBody)
	e.Content.Context = envelope.Context{}
	e.Content.Payload = json.RawMessage(errorBody)
	e.Metadata.Event.State = envelope.State{Status: envelope.StatusError, Code: 3100}

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))

	got := f.sink.byPath(t, "/payerfsp/transfers/t-1/error")
	assert.True(t, transcode.IsISO(got.Body), string(got.Body))
	assert.True(t, envelope.IsISOContentType(got.Header.Get(envelope.HeaderContentType)))
}

func TestISOErrorOriginalIsSentUnchanged(t *testing.T) {
	inbound := transcode.New(transcode.WithIDGenerator(func() string { return "ORIGINAL-MSG-ID" }))
	isoError, err := inbound.ToISO(payload.NewError("5100", "Payee rejected the transfer"))
	require.NoError(t, err)

	f := newFixture(t, WithTranscoder(transcode.New()))
	e := newEnvelope(envelope.ActionAbort, "payerfsp", "payeefsp", errorBody)
	e.Content.Context = envelope.Context{ISOPayload: true}.WithOriginalPayload(envelope.InlinePayload(isoError))
	e.Metadata.Event.State = envelope.State{Status: envelope.StatusError, Code: 5100}

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))

	for _, path := range []string{"/payerfsp/transfers/t-1/error", "/payeefsp/transfers/t-1/error"} {
		got := f.sink.byPath(t, path)
		assert.JSONEq(t, string(isoError), string(got.Body), path)
	}
}

func TestHubErrorOnPrepareUsesEnvelopePayload(t *testing.T) {
	f := newFixture(t)
	e := newEnvelope(envelope.ActionAbortValidation, "payerfsp", hub, prepareBody)
	e.Content.Payload = json.RawMessage(errorBody)
	e.Metadata.Event.State = envelope.State{Status: envelope.StatusError, Code: 3100}

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))

	got := f.sink.byPath(t, "/payerfsp/transfers/t-1/error")
	assert.JSONEq(t, errorBody, string(got.Body))
}

func TestTraceParentIsPropagated(t *testing.T) {
	f := newFixture(t)
	e := newEnvelope(envelope.ActionPrepare, "payeefsp", "payerfsp", prepareBody)
	e.Metadata.Trace = map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), e))

	got := f.sink.byPath(t, "/payeefsp/transfers").Header.Get("traceparent")
	assert.True(t, strings.HasPrefix(got, "00-4bf92f3577b34da6a3ce929d0e0e4736-"), got)
}
