package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrCannotGenerate means no text can be produced for the lead. Callers
// treat it as permanent.
var ErrCannotGenerate = errors.New("resolver: cannot generate content")

// Resolver produces the text of a deferred message for a lead. The
// sequence type names the automation the message belongs to.
type Resolver interface {
	Resolve(ctx context.Context, sequenceType, leadID, clientID string) (string, error)
}

type Func func(ctx context.Context, sequenceType, leadID, clientID string) (string, error)

func (f Func) Resolve(ctx context.Context, sequenceType, leadID, clientID string) (string, error) {
	return f(ctx, sequenceType, leadID, clientID)
}

// Static always returns the same text.
type Static string

func (s Static) Resolve(context.Context, string, string, string) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrCannotGenerate
	}
	return string(s), nil
}

// Registry routes by sequence type. A sequence without a resolver falls
// back to the default, if any.
type Registry struct {
	mu       sync.RWMutex
	bySeq    map[string]Resolver
	fallback Resolver
}

func NewRegistry() *Registry {
	return &Registry{bySeq: make(map[string]Resolver)}
}

func (r *Registry) Register(sequenceType string, res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySeq[sequenceType] = res
}

func (r *Registry) SetDefault(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = res
}

func (r *Registry) Resolve(ctx context.Context, sequenceType, leadID, clientID string) (string, error) {
	r.mu.RLock()
	res, ok := r.bySeq[sequenceType]
	if !ok {
		res = r.fallback
	}
	r.mu.RUnlock()

	if res == nil {
		return "", fmt.Errorf("no resolver for sequence %q: %w", sequenceType, ErrCannotGenerate)
	}

	text, err := res.Resolve(ctx, sequenceType, leadID, clientID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrCannotGenerate
	}
	return text, nil
}
