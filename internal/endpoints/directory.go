package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultDirectoryTimeout = 10 * time.Second
	defaultDirectoryLimit   = 1 << 20
	directoryAccept         = "application/vnd.interoperability.participants+json;version=1.1"
)

// Directory fetches a participant's complete endpoint table. An unknown
// participant yields an empty table and a nil error.
type Directory interface {
	FetchEndpoints(ctx context.Context, participantID string) (Table, error)
}

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DirectoryOption customises the HTTP directory client.
type DirectoryOption func(*HTTPDirectory)

// WithDirectoryHTTPClient overrides the HTTP client.
func WithDirectoryHTTPClient(client HTTPClient) DirectoryOption {
	return func(d *HTTPDirectory) {
		if client != nil {
			d.httpClient = client
		}
	}
}

// WithDirectorySource sets the FSPIOP-Source header sent with lookups.
func WithDirectorySource(source string) DirectoryOption {
	return func(d *HTTPDirectory) {
		d.source = strings.TrimSpace(source)
	}
}

// WithDirectoryTimeout bounds each lookup.
func WithDirectoryTimeout(timeout time.Duration) DirectoryOption {
	return func(d *HTTPDirectory) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// HTTPDirectory reads endpoint tables from the central ledger API.
type HTTPDirectory struct {
	baseURL      string
	source       string
	httpClient   HTTPClient
	timeout      time.Duration
	maxBodyBytes int64
}

// NewHTTPDirectory constructs a directory client rooted at baseURL.
func NewHTTPDirectory(baseURL string, opts ...DirectoryOption) (*HTTPDirectory, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("endpoints: directory base URL is required")
	}

	d := &HTTPDirectory{
		baseURL:      baseURL,
		httpClient:   &http.Client{},
		timeout:      defaultDirectoryTimeout,
		maxBodyBytes: defaultDirectoryLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

type endpointRecord struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// FetchEndpoints implements Directory.
func (d *HTTPDirectory) FetchEndpoints(ctx context.Context, participantID string) (Table, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/participants/%s/endpoints", d.baseURL, url.PathEscape(participantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("endpoints: new request: %w", err)
	}
	req.Header.Set("Accept", directoryAccept)
	req.Header.Set("Content-Type", directoryAccept)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if d.source != "" {
		req.Header.Set("FSPIOP-Source", d.source)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("endpoints: fetch %s: %w", participantID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("endpoints: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Table{}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("endpoints: fetch %s: http %d: %s", participantID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var records []endpointRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("endpoints: decode %s: %w", participantID, err)
	}

	table := make(Table, len(records))
	for _, r := range records {
		if r.Type == "" || r.Value == "" {
			continue
		}
		table[EndpointType(r.Type)] = r.Value
	}
	return table, nil
}

var _ Directory = (*HTTPDirectory)(nil)
