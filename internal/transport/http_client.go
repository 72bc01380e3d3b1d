package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

// DefaultMaxBodyBytes bounds how much of a response body is read.
const DefaultMaxBodyBytes = 64 << 20

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	Timeout            time.Duration
	UserAgent          string
	InsecureSkipVerify bool
	MaxBodyBytes       int64
}

// HTTPClient handles HTTP communication with storage backends.
type HTTPClient struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	logger       *events.Logger
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(opts ClientOptions, logger *events.Logger) *HTTPClient {
	// Create transport with HTTP/2 support
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos:         []string{"h2", "http/1.1"},
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // dev option
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return NewHTTPClientWith(&http.Client{Timeout: opts.Timeout, Transport: transport}, opts, logger)
}

// NewHTTPClientWith wraps an existing *http.Client, e.g. one returned by
// httptest.Server.Client.
func NewHTTPClientWith(client *http.Client, opts ClientOptions, logger *events.Logger) *HTTPClient {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "habitsync/1.0"
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	return &HTTPClient{
		client:       client,
		userAgent:    userAgent,
		maxBodyBytes: maxBody,
		logger:       logger.WithField("component", "http_client"),
	}
}

// Do sends req and reads the full response. Non-2xx statuses are returned as
// a Response, not an error; use Response.Err to convert them. Transport
// failures are mapped to models.ErrTimeout or models.ErrNetworkUnavailable.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	c.logger.WithFields(map[string]interface{}{
		"method": req.Method,
		"url":    httpReq.URL.Redacted(),
		"size":   len(req.Body),
	}).Debug("Sending request")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, classifyError(fmt.Errorf("read response: %w", err))
	}
	if int64(len(data)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", models.ErrPayloadTooLarge, c.maxBodyBytes)
	}

	c.logger.WithFields(map[string]interface{}{
		"method":   req.Method,
		"status":   resp.StatusCode,
		"size":     len(data),
		"duration": time.Since(start).String(),
	}).Debug("Received response")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
