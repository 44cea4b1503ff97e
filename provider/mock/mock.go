// Package mock provides scripted provider implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/provider"
)

// Reasoner replays a fixed script of replies. Once the script is
// exhausted it keeps returning the final entry, or ErrProviderUnavailable
// if the script is empty.
type Reasoner struct {
	mu      sync.Mutex
	Script  []*provider.Reply
	Errs    []error
	Calls   int
	Prompts []string
}

func (r *Reasoner) Generate(_ context.Context, req provider.GenerateRequest) (*provider.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.Calls
	r.Calls++
	r.Prompts = append(r.Prompts, req.Prompt)

	if i < len(r.Errs) && r.Errs[i] != nil {
		return nil, r.Errs[i]
	}
	if len(r.Script) == 0 {
		return nil, core.ErrProviderUnavailable
	}
	if i >= len(r.Script) {
		i = len(r.Script) - 1
	}
	return r.Script[i], nil
}

// Embedder returns a vector whose magnitude depends on text length. All
// vectors share a direction, so it exercises plumbing, not ranking; use a
// real embedder where similarity ordering matters. Set Fail to force
// ErrProviderUnavailable.
type Embedder struct {
	Dims int
	Fail bool
}

func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.Fail {
		return nil, core.ErrProviderUnavailable
	}
	dims := e.Dims
	if dims == 0 {
		dims = 64
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(len(text)) / float32(dims+i+1)
	}
	return vec, nil
}

func (e *Embedder) Dimensions() int {
	if e.Dims == 0 {
		return 64
	}
	return e.Dims
}
