// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPTransport executes GraphQL operations as HTTP POSTs.
//
// Queries are idempotent, so connection-level failures retry with
// exponential backoff. GraphQL-level errors and HTTP error statuses do not
// retry; they mean the server received and answered the request.
//
// Byte-identical requests in flight at the same moment collapse into one
// wire call. The coordinator already dedupes per minimized query string;
// this is a second net under callers that talk to the transport directly.
type HTTPTransport struct {
	endpoint    string
	client      *http.Client
	headers     map[string]string
	maxElapsed  time.Duration
	logger      *zap.SugaredLogger
	group       singleflight.Group
	latencies   *expiremap.ExpireMap[time.Time, time.Duration]
	insecureTLS bool
}

// Compile-time check that HTTPTransport implements Transport.
var _ Transport = (*HTTPTransport)(nil)

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default client, e.g. for tests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithHeader adds a header to every request (authorization, tracing).
func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTransport) {
		t.headers[key] = value
	}
}

// WithRetryWindow bounds how long connection failures keep retrying.
// Zero disables retries entirely.
func WithRetryWindow(maxElapsed time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.maxElapsed = maxElapsed
	}
}

// WithInsecureTLS skips certificate verification. Development only.
func WithInsecureTLS() HTTPOption {
	return func(t *HTTPTransport) {
		t.insecureTLS = true
	}
}

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *zap.SugaredLogger) HTTPOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// NewHTTPTransport creates a transport POSTing to endpoint.
func NewHTTPTransport(endpoint string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint:   endpoint,
		headers:    make(map[string]string),
		maxElapsed: 10 * time.Second,
		logger:     zap.NewNop().Sugar(),
		latencies:  newLatencySamples(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		transport := &http.Transport{}
		if t.insecureTLS {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}

		t.client = &http.Client{
			Transport: transport,
			Timeout:   defaultRequestTimeout,
		}
	}

	return t
}

type wirePayload struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// HandleQuery executes one operation.
func (t *HTTPTransport) HandleQuery(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Query == "" {
		return nil, fmt.Errorf("request must carry a query")
	}

	requestID := req.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	body, err := marshalSafe(wirePayload{Query: req.Query, Variables: req.Variables})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	key := fmt.Sprintf("%x", xxhash.Sum64(body))

	result, err, shared := t.group.Do(key, func() (interface{}, error) {
		return t.post(ctx, requestID, body)
	})
	if err != nil {
		return nil, err
	}

	if shared {
		t.logger.Debugw("collapsed identical in-flight request", "request_id", requestID)
	}

	return result.(*Response), nil
}

// Latency summarizes recent round trips.
func (t *HTTPTransport) Latency() Latency {
	return calculateLatency(t.latencies)
}

func (t *HTTPTransport) post(ctx context.Context, requestID string, body []byte) (*Response, error) {
	var resp *Response

	operation := func() error {
		var err error

		resp, err = t.postOnce(ctx, requestID, body)

		return err
	}

	if t.maxElapsed <= 0 {
		if err := operation(); err != nil {
			return nil, unwrapPermanent(err)
		}

		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = t.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, unwrapPermanent(err)
	}

	return resp, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}

	return err
}

func (t *HTTPTransport) postOnce(ctx context.Context, requestID string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Request-ID", requestID)

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	var start time.Time

	var firstByte time.Duration

	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Since(start)
		},
	}

	start = time.Now()

	response, err := t.client.Do(req.WithContext(httptrace.WithClientTrace(req.Context(), trace)))
	if err != nil {
		// Connection-level failure: the server may never have seen the
		// request, so retrying is safe for queries.
		return nil, enhanceConnectionError(err)
	}

	defer func() {
		if cerr := response.Body.Close(); cerr != nil {
			t.logger.Errorf("Error closing response body: %v", cerr)
		}
	}()

	t.latencies.Set(time.Now(), firstByte)

	reader := io.Reader(response.Body)

	if response.Header.Get("Content-Encoding") == "gzip" {
		gz, gzErr := gzip.NewReader(response.Body)
		if gzErr != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to open gzip response: %w", gzErr))
		}

		defer func() {
			_ = gz.Close()
		}()

		reader = gz
	}

	bodyBytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to read response: %w", err))
	}

	if response.StatusCode < 200 || response.StatusCode > 399 {
		t.logger.Warnw("server returned error status",
			"request_id", requestID,
			"status", response.Status,
		)

		return nil, backoff.Permanent(fmt.Errorf("error response code: %s", response.Status))
	}

	var decoded Response
	if err := unmarshalSafe(bodyBytes, &decoded); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}

	return &decoded, nil
}

// enhanceConnectionError adds likely causes to common connection errors.
func enhanceConnectionError(err error) error {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "EOF"):
		return fmt.Errorf("connection closed unexpectedly before receiving response: %w", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("request timed out: %w", err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("connection refused: %w", err)
	default:
		return fmt.Errorf("connection error: %w", err)
	}
}
