package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// Doer executes HTTP requests. Storage providers depend on this rather than
// on *HTTPClient so tests can script responses.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Request describes one HTTP exchange. Body is buffered so the request can
// be replayed by Retry.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest creates a request with an empty header set.
func NewRequest(method, rawURL string, body []byte) *Request {
	return &Request{
		Method: method,
		URL:    rawURL,
		Header: make(http.Header),
		Body:   body,
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err returns a *StatusError unless the status is 2xx or one of accept.
func (r *Response) Err(accept ...int) error {
	if r.OK() {
		return nil
	}
	for _, code := range accept {
		if r.StatusCode == code {
			return nil
		}
	}
	return newStatusError(r)
}

// DecodeJSON unmarshals the body into out.
func (r *Response) DecodeJSON(out interface{}) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("%w: parse response: %v", models.ErrInvalidFormat, err)
	}
	return nil
}

// StatusError is a non-success HTTP status.
type StatusError struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func newStatusError(r *Response) *StatusError {
	e := &StatusError{StatusCode: r.StatusCode, Body: r.Body}
	if v := r.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			e.RetryAfter = max(time.Until(at), 0)
		}
	}
	return e
}

func (e *StatusError) Error() string {
	snippet := e.Body
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if len(snippet) == 0 {
		return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, snippet)
}

// classifyError maps a failed round trip onto the error taxonomy.
// Cancellation by the caller is returned unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", models.ErrNetworkUnavailable, err)
}

// BasicAuth returns an Authorization header value.
func BasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// Bearer returns an Authorization header value.
func Bearer(token string) string {
	return "Bearer " + token
}
