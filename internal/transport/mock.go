package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// MockDoer provides a scripted Doer for testing.
type MockDoer struct {
	mu sync.Mutex

	// Responses are returned in order; the last one repeats.
	Responses []MockResponse

	// Requests records every request received.
	Requests []*Request

	calls int
}

// MockResponse is one scripted outcome.
type MockResponse struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Err        error
}

// NewMockDoer creates a mock returning responses in order.
func NewMockDoer(responses ...MockResponse) *MockDoer {
	return &MockDoer{Responses: responses}
}

// Do returns the next scripted response.
func (m *MockDoer) Do(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if err := ctx.Err(); err != nil {
		return nil, classifyError(err)
	}
	if len(m.Responses) == 0 {
		return nil, fmt.Errorf("no mock response for %s %s", req.Method, req.URL)
	}

	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++

	r := m.Responses[idx]
	if r.Err != nil {
		return nil, r.Err
	}

	header := r.Header
	if header == nil {
		header = make(http.Header)
	}
	return &Response{StatusCode: r.StatusCode, Header: header, Body: r.Body}, nil
}

// Calls returns how many requests were made.
func (m *MockDoer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
