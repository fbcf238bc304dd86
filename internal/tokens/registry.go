package tokens

import (
	"context"
	"fmt"
	"strings"
)

// Registry selects the first registered counter that supports a model and
// falls back to a character estimate otherwise.
type Registry struct {
	counters []Counter
	fallback Counter
}

func NewRegistry() *Registry {
	return &Registry{fallback: NewEstimator()}
}

// NewDefaultRegistry returns a registry with the tiktoken counter
// registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTiktokenCounter())
	return r
}

func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

func (r *Registry) SetFallback(counter Counter) {
	r.fallback = counter
}

func (r *Registry) CountTokens(ctx context.Context, req *Request) (*Result, error) {
	if c := r.GetCounter(req.Model); c != nil {
		return c.CountTokens(ctx, req)
	}
	return nil, fmt.Errorf("no token counter available for model: %s", req.Model)
}

func (r *Registry) GetCounter(model string) Counter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// Estimator approximates a count from character length.
type Estimator struct {
	CharsPerToken float64
}

func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

func (e *Estimator) CountTokens(ctx context.Context, req *Request) (*Result, error) {
	chars := len(req.System)
	for _, msg := range req.Messages {
		chars += len(msg.Role) + 4 // role and separators
		for _, part := range msg.Parts {
			chars += len(part.Text) + len(part.Name) + len(part.Input)
		}
	}
	for _, tool := range req.Tools {
		chars += len(tool.Name) + len(tool.Description) + len(tool.Schema)
	}

	return &Result{
		InputTokens: int(float64(chars) / e.CharsPerToken),
		Model:       req.Model,
		Estimated:   true,
	}, nil
}

func (e *Estimator) SupportsModel(string) bool { return true }

// ModelMatcher matches model names by exact name or prefix.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
