package conversation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Summarizer condenses text into a short paragraph. Implemented by the
// AI collaborator; failures fall back to plain truncation.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxLength int) (string, error)
}

// WindowPolicy tunes the context window. The floor and keep counts are
// policy parameters, not load-bearing constants; the defaults match
// the behavior the persona was tuned against.
type WindowPolicy struct {
	// MaxMessages bounds the window when no summarization happens.
	MaxMessages int
	// SummarizeTokenThreshold triggers summarization when the rough
	// token estimate of the full log exceeds it.
	SummarizeTokenThreshold int
	// SummarizeFloorMessages is the minimum log length before
	// summarization is considered at all.
	SummarizeFloorMessages int
	// KeepRecentMessages is how many trailing messages stay verbatim
	// when the rest collapses into a summary.
	KeepRecentMessages int
	// SummaryMaxLength is passed to the summarizer.
	SummaryMaxLength int
}

// DefaultWindowPolicy returns the tuned defaults: windows of 10
// messages, summarize past ~1000 words keeping the last 3 turns.
func DefaultWindowPolicy() WindowPolicy {
	return WindowPolicy{
		MaxMessages:             10,
		SummarizeTokenThreshold: 1000,
		SummarizeFloorMessages:  5,
		KeepRecentMessages:      3,
		SummaryMaxLength:        100,
	}
}

// ContextWindow returns the bounded slice of history handed to the AI
// for the next turn. When the rough token estimate exceeds the policy
// threshold and the log is long enough, everything but the most recent
// messages collapses into one synthetic system summary; otherwise the
// most recent MaxMessages entries are returned verbatim. Given an
// unchanged log and a deterministic summarizer the result is stable
// across calls.
func (s *Store) ContextWindow(ctx context.Context, conversationID string, policy WindowPolicy, summarizer Summarizer) []Message {
	history := s.Load(conversationID)

	total := 0
	for _, msg := range history {
		total += estimateTokens(msg.Content)
	}

	if summarizer != nil &&
		policy.SummarizeTokenThreshold > 0 &&
		total > policy.SummarizeTokenThreshold &&
		len(history) > policy.SummarizeFloorMessages &&
		len(history) > policy.KeepRecentMessages {

		head := history[:len(history)-policy.KeepRecentMessages]
		tail := history[len(history)-policy.KeepRecentMessages:]

		var b strings.Builder
		for _, msg := range head {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}

		summary, err := summarizer.Summarize(ctx, b.String(), policy.SummaryMaxLength)
		if err != nil {
			// Fall back to plain truncation; a lost summary must never
			// abort the response pipeline.
			s.logger.Warn("history summarization failed, truncating instead",
				zap.String("conversation_id", conversationID), zap.Error(err))
		} else {
			window := make([]Message, 0, len(tail)+1)
			window = append(window, Message{
				Role:    RoleSystem,
				Content: "Summary of earlier parts of this conversation: " + summary,
			})
			window = append(window, tail...)
			return window
		}
	}

	if policy.MaxMessages > 0 && len(history) > policy.MaxMessages {
		history = history[len(history)-policy.MaxMessages:]
	}
	return history
}

// estimateTokens is a rough whitespace-word count, not a tokenizer.
// Close enough to decide when a summary is due.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}
