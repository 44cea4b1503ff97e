// Package anthropic implements provider.Reasoner on the Anthropic API.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/provider"
)

// DefaultModel is used when a worker profile names no model.
const DefaultModel = "claude-sonnet-4-20250514"

// Reasoner calls the Anthropic Messages API and enforces the reply schema.
type Reasoner struct {
	client *anthropic.Client
}

// New creates a Reasoner with an explicit API key.
func New(apiKey string) *Reasoner {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Reasoner{client: &c}
}

// NewFromEnv creates a Reasoner using ANTHROPIC_API_KEY from the env.
func NewFromEnv() *Reasoner {
	c := anthropic.NewClient()
	return &Reasoner{client: &c}
}

// Generate runs one reasoning call. API failures map to
// core.ErrProviderUnavailable; schema violations to core.ErrBadReply.
func (r *Reasoner) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.Reply, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %v: %w", err, core.ErrProviderUnavailable)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return provider.ParseReply(text)
}
