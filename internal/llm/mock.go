package llm

import (
	"context"
	"sync"
)

// MockClient returns scripted responses in order, for tests.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Errs      []error
	Calls     []string // prompts seen, in order
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) Generate(ctx context.Context, prompt, model string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.Calls)
	m.Calls = append(m.Calls, prompt)
	if i < len(m.Errs) && m.Errs[i] != nil {
		return "", m.Errs[i]
	}
	if i < len(m.Responses) {
		return m.Responses[i], nil
	}
	if len(m.Responses) > 0 {
		return m.Responses[len(m.Responses)-1], nil
	}
	return "{}", nil
}
