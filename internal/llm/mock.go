package llm

import (
	"context"
	"sync"
)

// MockProvider is a test double that returns canned responses.
type MockProvider struct {
	Response string
	Err      error
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Generate(_ context.Context, _ string, _ Settings) (string, error) {
	return m.Response, m.Err
}

// ScriptedProvider replays Responses in order and records every prompt.
// Once the script is exhausted the last response repeats.
type ScriptedProvider struct {
	Responses []string
	Errs      []error

	mu      sync.Mutex
	prompts []string
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Generate(_ context.Context, prompt string, _ Settings) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.prompts)
	p.prompts = append(p.prompts, prompt)

	var err error
	if i < len(p.Errs) {
		err = p.Errs[i]
	}
	if err != nil {
		return "", err
	}
	if len(p.Responses) == 0 {
		return "", nil
	}
	if i >= len(p.Responses) {
		i = len(p.Responses) - 1
	}
	return p.Responses[i], nil
}

// Prompts returns the prompts seen so far.
func (p *ScriptedProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}
