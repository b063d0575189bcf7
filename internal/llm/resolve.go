package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// route maps a model name prefix to a provider constructor. strip means
// the prefix names the provider only and is removed from the model.
type route struct {
	prefix string
	strip  bool
	open   func() (Provider, error)
}

var routes = []route{
	{"anthropic:", true, openAnthropic},
	{"claude", false, openAnthropic},
	{"openai:", true, openOpenAI},
	{"gpt", false, openOpenAI},
	{"o1", false, openOpenAI},
	{"o3", false, openOpenAI},
}

func openAnthropic() (Provider, error) { return NewAnthropic() }
func openOpenAI() (Provider, error)    { return NewOpenAI() }

// ResolveProvider picks a provider from the model name, or from whichever
// API key is set when model is empty. Anthropic wins when both keys are set.
func ResolveProvider(model string) (Provider, error) {
	if model != "" {
		lower := strings.ToLower(model)
		for _, r := range routes {
			if !strings.HasPrefix(lower, r.prefix) {
				continue
			}
			p, err := r.open()
			if err != nil {
				return nil, err
			}
			if r.strip {
				model = model[len(r.prefix):]
			}
			return &modelOverride{Provider: p, model: model}, nil
		}
		return nil, fmt.Errorf("unknown model %q: use a claude*, gpt* or provider:model name", model)
	}

	switch {
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		return NewAnthropic()
	case os.Getenv("OPENAI_API_KEY") != "":
		return NewOpenAI()
	}
	return nil, fmt.Errorf("no LLM provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
}

// modelOverride pins the model for every call.
type modelOverride struct {
	Provider
	model string
}

func (m *modelOverride) Generate(ctx context.Context, prompt string, s Settings) (string, error) {
	s.Model = m.model
	return m.Provider.Generate(ctx, prompt, s)
}

// Options configures a resolved provider chain.
type Options struct {
	Model   string
	RPS     float64
	Retries int
	Backoff time.Duration
}

// Resolve picks a provider for opts.Model. Every attempt of the retry
// wrapper passes through the rate limiter.
func Resolve(opts Options) (Provider, error) {
	p, err := ResolveProvider(opts.Model)
	if err != nil {
		return nil, err
	}
	p = NewRateLimited(p, opts.RPS)
	return NewRetrying(p, opts.Retries, opts.Backoff), nil
}
