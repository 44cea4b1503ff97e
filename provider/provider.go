// Package provider defines the external reasoning and embedding
// capabilities the engine depends on, and the strict reply schema every
// reasoning response must conform to.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crewline/opsmind/core"
)

// Reply is the contracted response schema for a reasoning call. The
// provider must return exactly these fields; anything else is a schema
// violation and the caller falls back to Terminal routing instead of
// guessing an action out of free text.
type Reply struct {
	Text        string   `json:"text"`
	ActionTaken string   `json:"action_taken,omitempty"`
	NextWorkers []string `json:"proposed_next_workers,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
}

// Validate checks the schema invariants.
func (r *Reply) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("empty text: %w", core.ErrBadReply)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range: %w", r.Confidence, core.ErrBadReply)
	}
	for _, w := range r.NextWorkers {
		if strings.TrimSpace(w) == "" {
			return fmt.Errorf("blank worker suggestion: %w", core.ErrBadReply)
		}
	}
	return nil
}

// ParseReply decodes a raw provider payload into a Reply, rejecting
// unknown fields and schema violations.
func ParseReply(raw string) (*Reply, error) {
	// Models occasionally fence their JSON; strip that before the strict
	// decode, everything else is rejected.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()

	var reply Reply
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply: %v: %w", err, core.ErrBadReply)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing content after reply object: %w", core.ErrBadReply)
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Reasoner is the external text-generation capability.
// Implementations: anthropic.Reasoner (production), mock.Reasoner (tests).
type Reasoner interface {
	// Generate runs one reasoning call. The prompt is fully assembled by
	// the caller; the returned Reply already passed schema validation.
	Generate(ctx context.Context, req GenerateRequest) (*Reply, error)
}

// GenerateRequest carries one reasoning call.
type GenerateRequest struct {
	System    string
	Prompt    string
	Model     string
	MaxTokens int64
}

// Embedder converts text to a fixed-length vector. The dimension is fixed
// by agreement with the durable store's index.
// Implementations: embedding.Ollama, embedding.OpenAI, embedding.Local.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
