package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/calder-ai/steward/pkg/tool"
)

// MockService is a deterministic scripted Service for tests and evaluation
// runs. Each call pops the next scripted response; the script replays
// identically on Reset, so the same input always produces the same
// transcript.
type MockService struct {
	script   []Response
	err      error
	requests []Request
	cursor   int
	mu       sync.Mutex
}

// NewMockService creates a mock that replays the given responses in order.
func NewMockService(script ...Response) *MockService {
	return &MockService{script: script}
}

// NewFailingMockService creates a mock whose every call fails with err.
func NewFailingMockService(err error) *MockService {
	return &MockService{err: err}
}

// Provider returns the provider name.
func (s *MockService) Provider() string {
	return "mock"
}

// ValidateTools checks tool schemas against the shared constraints.
func (s *MockService) ValidateTools(_ context.Context, schemas []tool.Schema) error {
	return validateToolSchemas(schemas)
}

// SendRequest records the request and returns the next scripted response.
func (s *MockService) SendRequest(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	if s.err != nil {
		return nil, s.err
	}
	if s.cursor >= len(s.script) {
		return nil, fmt.Errorf("mock script exhausted after %d responses", len(s.script))
	}

	resp := s.script[s.cursor]
	s.cursor++

	// Scripts rarely bother with a finish reason; derive one so consumers
	// see the same shape real providers produce.
	if resp.FinishReason == "" {
		if resp.HasToolCalls() {
			resp.FinishReason = "tool_use"
		} else {
			resp.FinishReason = "end_turn"
		}
	}
	return &resp, nil
}

// StreamRequest behaves like SendRequest but first delivers the response
// content as single-rune chunks.
func (s *MockService) StreamRequest(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error) {
	resp, err := s.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if onChunk != nil {
		for _, r := range resp.Content {
			onChunk(StreamChunk{Text: string(r)})
		}
	}

	return resp, nil
}

// Requests returns a copy of every request received so far.
func (s *MockService) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CallCount returns how many requests the mock has served.
func (s *MockService) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Reset rewinds the script and clears recorded requests.
func (s *MockService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.requests = nil
}
