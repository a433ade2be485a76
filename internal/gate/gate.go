// Package gate decides whether the AI persona should reply to a given
// message: DM bypass, cooldown, probability sampling, and optional
// AI triage classification.
package gate

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Classifier is the cheap triage collaborator: given a system prompt
// and a query it answers YES or NO. Errors fail open.
type Classifier interface {
	Classify(ctx context.Context, systemPrompt, query string) (string, error)
}

// Config holds the gate's tunables.
type Config struct {
	// Cooldown is the minimum gap between replies to one conversation.
	// Zero disables the cooldown.
	Cooldown time.Duration
	// ResponseProbability in [0,1]; draws above it are dropped.
	ResponseProbability float64
	// TriageEnabled turns on the AI triage step for channel messages.
	TriageEnabled bool
	// TriageContextCount is how many recent channel messages the triage
	// prompt includes.
	TriageContextCount int
}

// Request carries everything the gate needs for one decision.
type Request struct {
	ConversationID  string
	IsDirectMessage bool
	OnActiveChannel bool
	SenderName      string
	Text            string
	// RecentHistory holds the last few channel user messages, already
	// formatted as "name: text" lines, oldest first.
	RecentHistory []string
	// Persona is the active persona, summarized into the triage prompt.
	Persona string
}

// Gate evaluates response decisions. The only mutable state is the
// per-conversation last-response clock, updated via RecordResponse
// after a successful transmit.
type Gate struct {
	cfg        Config
	classifier Classifier
	logger     *zap.Logger

	now       func() time.Time
	randFloat func() float64

	mu           sync.Mutex
	lastResponse map[string]time.Time
}

// Option customises a Gate.
type Option func(*Gate)

// WithNowFunc injects the clock, for cooldown tests.
func WithNowFunc(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithRandFunc injects the probability draw, for deterministic tests.
func WithRandFunc(randFloat func() float64) Option {
	return func(g *Gate) { g.randFloat = randFloat }
}

// New creates a Gate. classifier may be nil when triage is disabled or
// unavailable; triage then defaults to responding.
func New(cfg Config, classifier Classifier, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cfg:          cfg,
		classifier:   classifier,
		logger:       logger,
		now:          time.Now,
		randFloat:    rand.Float64,
		lastResponse: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldRespond runs the decision pipeline. DMs always pass and skip
// triage. Channel messages must be on the active broadcast channel,
// outside the cooldown window, survive the probability draw, and pass
// triage when it is enabled.
func (g *Gate) ShouldRespond(ctx context.Context, req Request) bool {
	if req.IsDirectMessage {
		return true
	}
	if !req.OnActiveChannel {
		return false
	}

	if g.cfg.Cooldown > 0 {
		g.mu.Lock()
		last, ok := g.lastResponse[req.ConversationID]
		g.mu.Unlock()
		if ok {
			elapsed := g.now().Sub(last)
			if elapsed < g.cfg.Cooldown {
				g.logger.Debug("cooldown active, skipping",
					zap.String("conversation_id", req.ConversationID),
					zap.Duration("elapsed", elapsed))
				return false
			}
		}
	}

	if g.randFloat() > g.cfg.ResponseProbability {
		g.logger.Debug("probability draw declined response",
			zap.String("conversation_id", req.ConversationID),
			zap.Float64("probability", g.cfg.ResponseProbability))
		return false
	}

	if g.cfg.TriageEnabled {
		return g.triage(ctx, req)
	}
	return true
}

// RecordResponse stamps the cooldown clock for a conversation. Callers
// invoke it only after a reply was actually transmitted; a failed send
// must not consume the cooldown.
func (g *Gate) RecordResponse(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastResponse[conversationID] = g.now()
}

// triage asks the classifier whether a full reply is warranted.
// Unavailable or failing triage defaults to YES; silence from a broken
// classifier would be worse than an occasional extra reply.
func (g *Gate) triage(ctx context.Context, req Request) bool {
	if g.classifier == nil {
		g.logger.Warn("triage enabled but no classifier available, defaulting to respond")
		return true
	}

	decision, err := g.classifier.Classify(ctx, triageSystemPrompt(req.Persona), triageQuery(req, g.cfg.TriageContextCount))
	if err != nil {
		g.logger.Warn("triage classification failed, defaulting to respond",
			zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return true
	}

	verdict := strings.ToUpper(strings.TrimSpace(decision))
	g.logger.Info("triage decision",
		zap.String("conversation_id", req.ConversationID),
		zap.String("decision", verdict))
	return verdict == "YES"
}

// personaSummaryLimit bounds how much of the persona the triage prompt
// repeats.
const personaSummaryLimit = 250

func triageSystemPrompt(persona string) string {
	summary := persona
	if len(summary) > personaSummaryLimit {
		summary = summary[:personaSummaryLimit-3] + "..."
	}
	return fmt.Sprintf(
		"You decide whether a main AI should reply to a mesh radio channel message. "+
			"The main AI's persona: %s\n"+
			"Answer ONLY 'YES' or 'NO'.", summary)
}

func triageQuery(req Request, contextCount int) string {
	history := req.RecentHistory
	if contextCount > 0 && len(history) > contextCount {
		history = history[len(history)-contextCount:]
	}
	return fmt.Sprintf(
		"RECENT_CHANNEL_HISTORY:\n%s\n\n"+
			"NEWEST_MESSAGE from '%s':\n%s\n\n"+
			"Considering the main AI's persona and the instructions, should the main AI "+
			"generate a response to the NEWEST_MESSAGE? (Answer ONLY 'YES' or 'NO')",
		strings.Join(history, "\n"), req.SenderName, req.Text)
}
