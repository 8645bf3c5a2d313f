package http

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/transport"
)

// NewHttpClientTransport creates the client side of the http transport.
// Requests are spread round-robin over the endpoints.
func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	endpoints  []*url.URL
	client     *http.Client
	next       atomic.Uint32
	retryCount int
}

// StatusError is returned when the server answers with a status other than 200
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "http error: " + e.Status }

// retryable reports whether another attempt can succeed, a request the server
// rejected is rejected by every server
func retryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	return true
}

// parseEndpoint completes plain host:port endpoints with http://
func parseEndpoint(endpoint string) (*url.URL, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return url.Parse(endpoint)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	endpoints := make([]*url.URL, 0, len(config.Transport.Endpoints))
	for _, endpoint := range config.Transport.Endpoints {
		u, err := parseEndpoint(endpoint)
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		endpoints = append(endpoints, u)
	}

	t.client = &http.Client{
		Timeout: time.Duration(config.TimeoutSecond) * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: max(10, config.Transport.ConnectionsPerEndpoint),
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.endpoints = endpoints
	t.retryCount = max(1, config.Transport.RetryCount)
	return nil
}

func (t *httpClientTransport) Send(shardId uint64, req []byte) (resp []byte, err error) {
	if t.client == nil {
		return nil, fmt.Errorf("http transport not initialized")
	}

	path := strconv.FormatUint(shardId, 10)
	for attempt := 1; attempt <= t.retryCount; attempt++ {
		endpoint := t.endpoints[t.next.Add(1)%uint32(len(t.endpoints))]
		if resp, err = t.post(endpoint.JoinPath(path).String(), req); err == nil {
			return resp, nil
		}
		if !retryable(err) {
			break
		}
		Logger.Debugf("Request attempt %d/%d to %s failed: %v", attempt, t.retryCount, endpoint.Host, err)
	}
	return nil, err
}

func (t *httpClientTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	t.client = nil
	t.endpoints = nil
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// post sends one request and reads the complete response body
func (t *httpClientTransport) post(requestURL string, req []byte) ([]byte, error) {
	resp, err := t.client.Post(requestURL, "application/octet-stream", bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain the body so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return io.ReadAll(resp.Body)
}
