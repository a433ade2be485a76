// Package dispatch turns inbound mesh packets into at most one
// in-flight AI response per conversation: it resolves identities,
// appends to the conversation store, evaluates the response gate, and
// runs short-lived workers that call the AI and transmit the reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshbridge/internal/connection"
	"meshbridge/internal/conversation"
	"meshbridge/internal/gate"
	"meshbridge/internal/llm"
	"meshbridge/internal/mesh"
	"meshbridge/internal/pending"
	"meshbridge/internal/web"
)

// urlPattern finds the first URL worth analyzing in a message.
var urlPattern = regexp.MustCompile(`(?i)https?://[^\s/$.?#].[^\s]*`)

// webErrorMarker replaces the URL context when analysis fails; the
// model is told the lookup broke rather than the pipeline aborting.
const webErrorMarker = "[error analyzing URL]"

// Config holds the coordinator's tunables.
type Config struct {
	// ActiveChannelIndex is the broadcast channel the persona listens on.
	ActiveChannelIndex int
	// MinResponseDelay and MaxResponseDelay bound the randomized
	// human-like pause before a reply transmits.
	MinResponseDelay time.Duration
	MaxResponseDelay time.Duration
	// Persona is the system instruction for replies.
	Persona string
	// Window tunes bounded-context retrieval.
	Window conversation.WindowPolicy
	// WorkerTimeout bounds one worker's AI/web/send calls and doubles
	// as the in-flight registry TTL safety margin.
	WorkerTimeout time.Duration
	// MaxWorkers bounds concurrently running workers across all
	// conversations.
	MaxWorkers int
	// TriageHistoryCount is how many prior channel messages feed the
	// triage prompt.
	TriageHistoryCount int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		ActiveChannelIndex: 0,
		MinResponseDelay:   2 * time.Second,
		MaxResponseDelay:   8 * time.Second,
		Window:             conversation.DefaultWindowPolicy(),
		WorkerTimeout:      2 * time.Minute,
		MaxWorkers:         4,
		TriageHistoryCount: 3,
	}
}

// Coordinator consumes the transport's event streams and dispatches
// response workers. The packet-receive path never blocks on AI or web
// calls; everything slow happens inside a worker.
type Coordinator struct {
	cfg       Config
	conn      *connection.Manager
	transport mesh.Transport
	store     *conversation.Store
	gate      *gate.Gate
	ai        llm.Client
	analyzer  web.Analyzer // may be nil; URL enrichment then skipped
	observer  Observer
	logger    *zap.Logger

	inflight *pending.Registry[string]
	workers  *errgroup.Group

	// test seams
	sleep     func(ctx context.Context, d time.Duration)
	randFloat func() float64
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithObserver attaches a send-outcome observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithAnalyzer attaches the web-lookup collaborator.
func WithAnalyzer(a web.Analyzer) Option {
	return func(c *Coordinator) { c.analyzer = a }
}

// WithSleepFunc injects the delay primitive, for tests.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration)) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// WithRandFunc injects the delay randomness, for tests.
func WithRandFunc(fn func() float64) Option {
	return func(c *Coordinator) { c.randFloat = fn }
}

// NewCoordinator wires the dispatch pipeline together.
func NewCoordinator(
	cfg Config,
	conn *connection.Manager,
	transport mesh.Transport,
	store *conversation.Store,
	g *gate.Gate,
	ai llm.Client,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 2 * time.Minute
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}

	c := &Coordinator{
		cfg:       cfg,
		conn:      conn,
		transport: transport,
		store:     store,
		gate:      g,
		ai:        ai,
		observer:  NopObserver{},
		logger:    logger,
		inflight:  pending.NewRegistry[string](nil),
		workers:   &errgroup.Group{},
		sleep:     sleepWithContext,
		randFloat: rand.Float64,
	}
	c.workers.SetLimit(cfg.MaxWorkers)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes packets and connection events until ctx is cancelled,
// then waits for in-flight workers to finish naturally. Workers are
// not forcibly cancelled on shutdown; their own timeout bounds them.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			err := c.workers.Wait()
			if err != nil {
				return err
			}
			return ctx.Err()

		case ev, ok := <-c.transport.Events():
			if !ok {
				return errors.New("transport event stream closed")
			}
			c.handleConnEvent(ev)

		case pkt, ok := <-c.transport.Packets():
			if !ok {
				return errors.New("transport packet stream closed")
			}
			c.conn.UpdateActivity()
			c.HandlePacket(pkt)
		}
	}
}

func (c *Coordinator) handleConnEvent(ev mesh.ConnEvent) {
	switch ev.Kind {
	case mesh.ConnEstablished:
		c.logger.Info("mesh connection established",
			zap.String("local_node", ev.LocalNodeID))
		c.conn.ConnectionSucceeded()
	case mesh.ConnLost:
		c.logger.Warn("mesh connection lost", zap.String("reason", ev.Reason))
		c.conn.ConnectionLost(errors.New(ev.Reason))
	}
}

// work is one accepted dispatch unit.
type work struct {
	id             string
	conversationID string
	packet         mesh.PacketEvent
	isDM           bool
	channel        int
}

// HandlePacket is the fast path: identity resolution and store append
// complete synchronously, then anything slow hands off to a worker.
// A conversation with a running worker accepts the message into its
// log but spawns nothing; the next inbound message re-evaluates.
func (c *Coordinator) HandlePacket(pkt mesh.PacketEvent) {
	local := mesh.NormalizeID(c.transport.LocalNodeID())
	sender := mesh.NormalizeID(pkt.SenderID)
	if local != "" && sender == local {
		return // our own transmission echoed back
	}

	isBroadcast := mesh.IsBroadcast(pkt.DestinationID)
	isDM := local != "" && mesh.NormalizeID(pkt.DestinationID) == local

	// A packet without a channel field lands on the primary channel.
	channel := 0
	if pkt.Channel != nil {
		channel = *pkt.Channel
	}

	var channelForID *int
	if !isDM {
		channelForID = &channel
	}
	convID := conversation.ResolveID(sender, channelForID, local, pkt.DestinationID)
	if conversation.IsAmbiguous(convID) {
		c.logger.Warn("ambiguous conversation context, keyed by sender only",
			zap.String("sender", sender),
			zap.String("destination", pkt.DestinationID))
	}

	if err := c.store.Append(convID, conversation.RoleUser, pkt.Text, pkt.SenderName, sender); err != nil {
		c.logger.Error("failed to persist inbound message",
			zap.String("conversation_id", convID), zap.Error(err))
	}

	w := work{
		id:             uuid.NewString(),
		conversationID: convID,
		packet:         pkt,
		isDM:           isDM,
		channel:        channel,
	}

	// One in-flight worker per conversation; the TTL is a safety net in
	// case a worker dies without cleaning up.
	if !c.inflight.TryPut(convID, w.id, 2*c.cfg.WorkerTimeout) {
		c.logger.Debug("worker already active for conversation, skipping",
			zap.String("conversation_id", convID))
		return
	}

	onActive := isBroadcast && channel == c.cfg.ActiveChannelIndex
	started := c.workers.TryGo(func() error {
		defer c.inflight.Delete(convID)
		c.runWorker(w, onActive)
		return nil
	})
	if !started {
		// Pool saturated. Drop the dispatch rather than block the
		// receive path; the message is logged and the next inbound one
		// re-evaluates.
		c.inflight.Delete(convID)
		c.logger.Warn("worker pool saturated, dropping dispatch",
			zap.String("conversation_id", convID))
	}
}

// runWorker evaluates the gate and, when accepted, produces and
// transmits one reply. All collaborator failures degrade to silence.
func (c *Coordinator) runWorker(w work, onActiveChannel bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WorkerTimeout)
	defer cancel()

	logger := c.logger.With(
		zap.String("work_id", w.id),
		zap.String("conversation_id", w.conversationID))

	req := gate.Request{
		ConversationID:  w.conversationID,
		IsDirectMessage: w.isDM,
		OnActiveChannel: onActiveChannel,
		SenderName:      w.packet.SenderName,
		Text:            w.packet.Text,
		RecentHistory:   c.triageHistory(w),
		Persona:         c.cfg.Persona,
	}
	if !c.gate.ShouldRespond(ctx, req) {
		return
	}

	window := c.store.ContextWindow(ctx, w.conversationID, c.cfg.Window, c.ai)

	webContext := c.analyzeFirstURL(ctx, logger, w.packet.Text)

	reply, err := c.ai.Complete(ctx, llm.CompletionRequest{
		Persona:    c.cfg.Persona,
		History:    window,
		UserName:   w.packet.SenderName,
		NodeID:     w.packet.SenderID,
		Text:       w.packet.Text,
		WebContext: webContext,
	})
	if err != nil {
		logger.Warn("AI completion failed, no reply sent", zap.Error(err))
		return
	}
	if Suppressed(reply, w.isDM) {
		logger.Info("suppressing non-answer reply",
			zap.String("candidate", truncate(reply, 100)))
		return
	}

	if err := c.store.Append(w.conversationID, conversation.RoleAssistant, reply, "", ""); err != nil {
		logger.Error("failed to persist assistant reply", zap.Error(err))
	}

	c.humanDelay(ctx)

	destination := "" // broadcast on the originating channel
	if w.isDM {
		destination = w.packet.SenderID
	}
	if err := c.conn.SendMessage(ctx, reply, destination, w.channel); err != nil {
		logger.Error("failed to transmit reply", zap.Error(err))
		c.observer.SendFailed(w.conversationID, err)
		return
	}

	// Only a transmitted reply consumes the cooldown.
	c.gate.RecordResponse(w.conversationID)
	c.observer.ReplySent(w.conversationID, destination, reply)
	logger.Info("reply sent",
		zap.Bool("direct", w.isDM),
		zap.Int("channel", w.channel),
		zap.Int("length", len(reply)))
}

// triageHistory formats the last few prior channel user messages for
// the triage prompt, the triggering message excluded. Exclusion is by
// identity, not position: another sender's message may land in the log
// between intake and the worker running.
func (c *Coordinator) triageHistory(w work) []string {
	if w.isDM || c.cfg.TriageHistoryCount <= 0 {
		return nil
	}
	history := c.store.Load(w.conversationID)

	sender := mesh.NormalizeID(w.packet.SenderID)
	triggerSkipped := false
	var lines []string
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != conversation.RoleUser {
			continue
		}
		if !triggerSkipped && msg.NodeID == sender && msg.Content == w.packet.Text {
			triggerSkipped = true
			continue
		}
		name := msg.UserName
		if name == "" {
			name = "Node-" + msg.NodeID
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, msg.Content))
		if len(lines) == c.cfg.TriageHistoryCount {
			break
		}
	}

	// Collected newest-first; the prompt wants oldest-first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}

// analyzeFirstURL runs the web lookup for the first URL in text, if
// any. Failures yield an explicit error marker instead of aborting.
func (c *Coordinator) analyzeFirstURL(ctx context.Context, logger *zap.Logger, text string) string {
	if c.analyzer == nil {
		return ""
	}
	url := urlPattern.FindString(text)
	if url == "" {
		return ""
	}

	logger.Info("analyzing URL from message", zap.String("url", url))
	summary, err := c.analyzer.AnalyzeURL(ctx, url)
	if err != nil {
		logger.Warn("URL analysis failed", zap.String("url", url), zap.Error(err))
		return webErrorMarker
	}
	return summary
}

// humanDelay pauses a uniform random interval between the configured
// bounds before transmitting, so replies do not arrive instantly.
// Equal bounds degenerate to a fixed pause.
func (c *Coordinator) humanDelay(ctx context.Context) {
	if c.cfg.MaxResponseDelay <= 0 || c.cfg.MinResponseDelay < 0 ||
		c.cfg.MaxResponseDelay < c.cfg.MinResponseDelay {
		return
	}
	delay := c.cfg.MinResponseDelay
	if span := c.cfg.MaxResponseDelay - c.cfg.MinResponseDelay; span > 0 {
		delay += time.Duration(c.randFloat() * float64(span))
	}
	c.sleep(ctx, delay)
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
