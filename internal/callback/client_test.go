package callback

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/switch-adapter/internal/fault"
)

func TestDeliverSendsRequest(t *testing.T) {
	var gotMethod, gotSource, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotSource = r.Header.Get("FSPIOP-Source")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := New(zerolog.Nop())
	resp, err := c.Deliver(context.Background(), Request{
		Method:  http.MethodPut,
		URL:     srv.URL + "/transfers/t-1",
		Headers: map[string]string{"FSPIOP-Source": "Hub"},
		Body:    []byte(`{"transferState":"COMMITTED"}`),
		Action:  "commit",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "Hub", gotSource)
	assert.JSONEq(t, `{"transferState":"COMMITTED"}`, gotBody)
}

func TestDeliverNon2xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	resp, err := New(zerolog.Nop()).Deliver(context.Background(), Request{Method: http.MethodPost, URL: srv.URL})
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
	assert.True(t, errors.Is(err, fault.ErrDelivery))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDeliverTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	_, err := New(zerolog.Nop(), WithTimeout(20*time.Millisecond)).
		Deliver(context.Background(), Request{Method: http.MethodPut, URL: srv.URL})
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
}

func TestDeliverInvalidURLIsPermanent(t *testing.T) {
	c := New(zerolog.Nop())
	for _, url := range []string{"", "ftp://payee/transfers", "http://payee/transfers/{{transferId}}"} {
		_, err := c.Deliver(context.Background(), Request{Method: http.MethodPut, URL: url})
		require.Error(t, err, url)
		assert.False(t, fault.IsTransient(err), url)
		assert.True(t, errors.Is(err, fault.ErrPermanent), url)
	}
}
