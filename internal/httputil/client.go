// Package httputil provides the transport seam for the remote backend
// clients: a minimal Doer interface satisfied by *http.Client, and a mock
// implementation for exercising retry paths without a live server.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MockClient is a Doer returning canned responses in order. Once the
// queue is exhausted it returns empty 200s.
type MockClient struct {
	mu       sync.Mutex
	requests []*http.Request
	queue    []*MockResponse
	next     int
}

// MockResponse is one canned reply. A non-nil Err simulates a transport
// failure (connection refused, reset) instead of an HTTP response.
type MockResponse struct {
	StatusCode int
	Body       string
	Err        error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

// AddResponse queues an HTTP response.
func (m *MockClient) AddResponse(statusCode int, body string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, &MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddError queues a transport-level failure.
func (m *MockClient) AddError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, &MockResponse{Err: err})
	return m
}

// Do records the request and replays the next queued response.
func (m *MockClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.next < len(m.queue) {
		r := m.queue[m.next]
		m.next++
		if r.Err != nil {
			return nil, r.Err
		}
		return &http.Response{
			StatusCode: r.StatusCode,
			Body:       io.NopCloser(bytes.NewBufferString(r.Body)),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}

	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString("")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Request returns the nth recorded request, or nil.
func (m *MockClient) Request(n int) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.requests) {
		return nil
	}
	return m.requests[n]
}

// RequestCount returns how many requests were sent.
func (m *MockClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
