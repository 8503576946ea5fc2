package endpoints

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDirectoryFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Hub", r.Header.Get("FSPIOP-Source"))
		switch r.URL.Path {
		case "/participants/payeefsp/endpoints":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[
				{"type":"FSPIOP_CALLBACK_URL_TRANSFER_POST","value":"http://payee/transfers"},
				{"type":"FSPIOP_CALLBACK_URL_TRANSFER_PUT","value":"http://payee/transfers/{{transferId}}"},
				{"type":"","value":"ignored"}
			]`))
		case "/participants/broken/endpoints":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	dir, err := NewHTTPDirectory(srv.URL+"/", WithDirectorySource("Hub"))
	require.NoError(t, err)
	ctx := context.Background()

	table, err := dir.FetchEndpoints(ctx, "payeefsp")
	require.NoError(t, err)
	assert.Len(t, table, 2)
	assert.Equal(t, "http://payee/transfers/{{transferId}}", table[TransferPut])

	table, err = dir.FetchEndpoints(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, table)

	_, err = dir.FetchEndpoints(ctx, "broken")
	require.Error(t, err)
}

func TestNewHTTPDirectoryRequiresURL(t *testing.T) {
	_, err := NewHTTPDirectory("  ")
	require.Error(t, err)
}
