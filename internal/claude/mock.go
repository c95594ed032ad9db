package claude

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted Messenger for tests and keyless local runs. Each
// call pops the next queued response (or error); with an empty queue it
// echoes a canned reply.
type Mock struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     []Request
	usage     Usage
}

func NewMock() *Mock { return &Mock{} }

// QueueResponse appends a scripted response.
func (m *Mock) QueueResponse(text string, usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, &Response{
		ID:         fmt.Sprintf("mock_%d", len(m.responses)+1),
		Model:      "mock",
		StopReason: "end_turn",
		Content: []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{{Type: "text", Text: text}},
		Usage: usage,
	})
}

// QueueError appends a scripted failure.
func (m *Mock) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Calls returns the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}

	var resp *Response
	if len(m.responses) > 0 {
		resp = m.responses[0]
		m.responses = m.responses[1:]
	} else {
		resp = &Response{
			ID:         fmt.Sprintf("mock_%d", len(m.calls)),
			Model:      "mock",
			StopReason: "end_turn",
			Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{{Type: "text", Text: "mock response"}},
			Usage: Usage{InputTokens: 10, OutputTokens: 5},
		}
	}
	m.usage.InputTokens += resp.Usage.InputTokens
	m.usage.OutputTokens += resp.Usage.OutputTokens
	return resp, nil
}

func (m *Mock) TotalUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

func (m *Mock) ResetUsage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = Usage{}
}

func (m *Mock) Healthy() bool { return true }
