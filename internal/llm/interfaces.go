// Package llm defines the AI text-completion collaborator contract and
// its Gemini-backed implementation. All calls are fallible, latent and
// non-deterministic; callers treat failures as "no reply".
package llm

import (
	"context"

	"meshbridge/internal/conversation"
)

// CompletionRequest carries one turn's worth of prompt material.
type CompletionRequest struct {
	// Persona is the system instruction for the reply.
	Persona string
	// History is the bounded context window, oldest first.
	History []conversation.Message
	// UserName and NodeID attribute the current turn.
	UserName string
	NodeID   string
	// Text is the triggering message.
	Text string
	// WebContext optionally holds the analyzed-URL summary folded into
	// the prompt as an auxiliary context block.
	WebContext string
}

// Completer produces a chat reply. An empty reply with a nil error
// means the model declined to answer.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Summarizer condenses text to roughly maxLength characters.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxLength int) (string, error)
}

// Classifier answers a YES/NO triage question.
type Classifier interface {
	Classify(ctx context.Context, systemPrompt, query string) (string, error)
}

// Client is the full AI collaborator surface.
type Client interface {
	Completer
	Summarizer
	Classifier
}
