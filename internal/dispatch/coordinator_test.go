package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"meshbridge/internal/connection"
	"meshbridge/internal/conversation"
	"meshbridge/internal/gate"
	"meshbridge/internal/llm"
	"meshbridge/internal/mesh"
	"meshbridge/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// recordingObserver captures send outcomes for assertions.
type recordingObserver struct {
	mu       sync.Mutex
	sent     []string
	failures []string
}

func (r *recordingObserver) ReplySent(conversationID, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, conversationID)
}

func (r *recordingObserver) SendFailed(conversationID string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, conversationID)
}

func (r *recordingObserver) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingObserver) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

type fixture struct {
	transport *mocks.MockTransport
	conn      *connection.Manager
	store     *conversation.Store
	ai        *mocks.ScriptedLLM
	observer  *recordingObserver
	coord     *Coordinator
}

func newFixture(t *testing.T, ai *mocks.ScriptedLLM, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	transport := mocks.NewMockTransport("deadbeef")
	conn := connection.NewManager(connection.DefaultConfig(), transport, logger)
	t.Cleanup(conn.Shutdown)
	conn.StartConnection()
	conn.ConnectionSucceeded()

	store, err := conversation.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	g := gate.New(gate.Config{ResponseProbability: 1.0}, ai, logger)

	observer := &recordingObserver{}
	cfg := DefaultConfig()
	cfg.MinResponseDelay = 0
	cfg.MaxResponseDelay = 0 // no artificial pause in tests
	cfg.WorkerTimeout = 5 * time.Second
	cfg.Persona = "test persona"
	opts = append([]Option{WithObserver(observer)}, opts...)

	coord := NewCoordinator(cfg, conn, transport, store, g, ai, logger, opts...)
	return &fixture{
		transport: transport,
		conn:      conn,
		store:     store,
		ai:        ai,
		observer:  observer,
		coord:     coord,
	}
}

// start runs the coordinator loop until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
}

func dmPacket(text string) mesh.PacketEvent {
	return mesh.PacketEvent{
		SenderID:      "a1b2c3",
		SenderName:    "Alice",
		DestinationID: "deadbeef",
		Text:          text,
		ReceivedAt:    time.Now(),
	}
}

func broadcastPacket(channel int, text string) mesh.PacketEvent {
	return mesh.PacketEvent{
		SenderID:      "a1b2c3",
		SenderName:    "Alice",
		DestinationID: mesh.BroadcastID,
		Channel:       &channel,
		Text:          text,
		ReceivedAt:    time.Now(),
	}
}

func TestDirectMessageEndToEnd(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM("Hello there!"))
	f.start(t)

	f.transport.InjectPacket(dmPacket("Hello?"))

	require.Eventually(t, func() bool {
		return len(f.transport.Sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sent := f.transport.Sent()[0]
	assert.Equal(t, "Hello there!", sent.Text)
	assert.Equal(t, "a1b2c3", sent.DestinationID)
	assert.True(t, sent.WantAck, "DM replies are acknowledged unicasts")

	history := f.store.Load("dm_a1b2c3_deadbeef")
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, "Hello?", history[0].Content)
	assert.Equal(t, "Alice", history[0].UserName)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello there!", history[1].Content)

	require.Eventually(t, func() bool {
		return f.observer.sentCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcastOnActiveChannelReplies(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM("Nice day on the mesh."))
	f.start(t)

	f.transport.InjectPacket(broadcastPacket(0, "anyone around?"))

	require.Eventually(t, func() bool {
		return len(f.transport.Sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sent := f.transport.Sent()[0]
	assert.Equal(t, "", sent.DestinationID, "channel replies broadcast")
	assert.Equal(t, 0, sent.ChannelIndex)
	assert.False(t, sent.WantAck)

	history := f.store.Load("channel_0")
	require.Len(t, history, 2)
}

func TestBroadcastOnInactiveChannelLoggedButNotAnswered(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM("should never send"))
	f.start(t)

	f.transport.InjectPacket(broadcastPacket(2, "off-channel chatter"))

	// The message still lands in its conversation log.
	require.Eventually(t, func() bool {
		return len(f.store.Load("channel_2")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.transport.Sent())
	assert.Empty(t, f.ai.CompleteRequests())
}

func TestOwnTransmissionsIgnored(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM("should never send"))
	f.start(t)

	pkt := dmPacket("echo of our own send")
	pkt.SenderID = "deadbeef"
	pkt.DestinationID = "a1b2c3"
	f.transport.InjectPacket(pkt)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.transport.Sent())
	assert.Empty(t, f.store.Load("dm_a1b2c3_deadbeef"))
}

func TestSuppressedReplyStaysSilent(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM("Hmm..."))
	f.start(t)

	f.transport.InjectPacket(dmPacket("say something useless"))

	require.Eventually(t, func() bool {
		return len(f.ai.CompleteRequests()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.transport.Sent())

	// Only the user message persists; a suppressed reply is never logged.
	history := f.store.Load("dm_a1b2c3_deadbeef")
	require.Len(t, history, 1)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
}

func TestSingleWorkerPerConversation(t *testing.T) {
	release := make(chan struct{})
	blockingSleep := func(ctx context.Context, _ time.Duration) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	f := newFixture(t, mocks.NewScriptedLLM("reply"), WithSleepFunc(blockingSleep))
	// Re-enable the delay so the worker parks in the sleep seam.
	f.coord.cfg.MinResponseDelay = time.Millisecond
	f.coord.cfg.MaxResponseDelay = 2 * time.Millisecond
	f.start(t)

	f.transport.InjectPacket(dmPacket("first"))
	require.Eventually(t, func() bool {
		return len(f.ai.CompleteRequests()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The second message arrives while the first worker is still busy:
	// it is logged but spawns no second worker.
	f.transport.InjectPacket(dmPacket("second"))
	require.Eventually(t, func() bool {
		return len(f.store.Load("dm_a1b2c3_deadbeef")) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return len(f.transport.Sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.transport.Sent(), 1, "one in-flight worker per conversation")
	assert.Len(t, f.ai.CompleteRequests(), 1)
}

// slowLLM parks Complete until released, for saturating the worker pool.
type slowLLM struct {
	release chan struct{}
}

func (s *slowLLM) Complete(ctx context.Context, _ llm.CompletionRequest) (string, error) {
	select {
	case <-s.release:
		return "Sure thing, over.", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *slowLLM) Summarize(_ context.Context, text string, _ int) (string, error) {
	return text, nil
}

func (s *slowLLM) Classify(context.Context, string, string) (string, error) {
	return "YES", nil
}

func TestSaturatedPoolNeverBlocksIntake(t *testing.T) {
	logger := zaptest.NewLogger(t)
	transport := mocks.NewMockTransport("deadbeef")
	conn := connection.NewManager(connection.DefaultConfig(), transport, logger)
	t.Cleanup(conn.Shutdown)
	conn.StartConnection()
	conn.ConnectionSucceeded()

	store, err := conversation.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	ai := &slowLLM{release: make(chan struct{})}
	g := gate.New(gate.Config{ResponseProbability: 1.0}, ai, logger)

	cfg := DefaultConfig()
	cfg.MinResponseDelay = 0
	cfg.MaxResponseDelay = 0
	cfg.WorkerTimeout = 5 * time.Second
	cfg.MaxWorkers = 1
	cfg.Persona = "test persona"
	coord := NewCoordinator(cfg, conn, transport, store, g, ai, logger)

	// Park the only worker inside the model call.
	coord.HandlePacket(dmPacket("first question"))
	require.True(t, coord.inflight.Active("dm_a1b2c3_deadbeef"))

	// A second conversation arriving at the limit must be taken in
	// without waiting for a worker slot to free up.
	second := dmPacket("second question")
	second.SenderID = "b4b4b4"
	second.SenderName = "Bob"
	returned := make(chan struct{})
	go func() {
		coord.HandlePacket(second)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("intake blocked on a saturated worker pool")
	}

	// The dropped dispatch still logged its message and left no stale
	// in-flight claim, so the next inbound message can re-evaluate.
	assert.Len(t, store.Load("dm_b4b4b4_deadbeef"), 1)
	assert.False(t, coord.inflight.Active("dm_b4b4b4_deadbeef"))

	close(ai.release)
	require.Eventually(t, func() bool {
		return len(transport.Sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, coord.workers.Wait())
}

func TestHumanDelayHonorsEqualBounds(t *testing.T) {
	var slept []time.Duration
	record := func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	f := newFixture(t, mocks.NewScriptedLLM(),
		WithSleepFunc(record),
		WithRandFunc(func() float64 { return 0.5 }))
	c := f.coord

	c.cfg.MinResponseDelay = 3 * time.Second
	c.cfg.MaxResponseDelay = 3 * time.Second
	c.humanDelay(context.Background())
	require.Equal(t, []time.Duration{3 * time.Second}, slept,
		"equal bounds mean a fixed pause, not none")

	c.cfg.MinResponseDelay = 2 * time.Second
	c.cfg.MaxResponseDelay = 8 * time.Second
	c.humanDelay(context.Background())
	require.Equal(t, []time.Duration{3 * time.Second, 5 * time.Second}, slept)

	c.cfg.MinResponseDelay = 0
	c.cfg.MaxResponseDelay = 0
	c.humanDelay(context.Background())
	require.Len(t, slept, 2, "zero bounds disable the pause")
}

func TestTriageHistoryExcludesTriggerByIdentity(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM())
	c := f.coord
	c.cfg.TriageHistoryCount = 3

	convID := "channel_0"
	require.NoError(t, f.store.Append(convID, conversation.RoleUser, "earlier chatter", "Bob", "b4b4b4"))
	require.NoError(t, f.store.Append(convID, conversation.RoleUser, "is anyone on tonight?", "Alice", "a1b2c3"))
	// Another node's message lands after the trigger, as happens when
	// intake and the worker race.
	require.NoError(t, f.store.Append(convID, conversation.RoleUser, "late arrival", "Carol", "c5c5c5"))

	w := work{
		conversationID: convID,
		packet: mesh.PacketEvent{
			SenderID:   "a1b2c3",
			SenderName: "Alice",
			Text:       "is anyone on tonight?",
		},
	}
	assert.Equal(t, []string{"Bob: earlier chatter", "Carol: late arrival"},
		c.triageHistory(w), "the trigger is skipped wherever it sits")

	c.cfg.TriageHistoryCount = 1
	assert.Equal(t, []string{"Carol: late arrival"}, c.triageHistory(w))
}

func TestSendFailureReportedNotRetried(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM("reply"))
	f.transport.SendTextFunc = func(context.Context, string, string, int, bool) error {
		return errors.New("radio busy")
	}
	f.start(t)

	f.transport.InjectPacket(dmPacket("hello"))

	require.Eventually(t, func() bool {
		return f.observer.failureCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.observer.sentCount())
	assert.Len(t, f.transport.Sent(), 1, "no automatic retry")
}

func TestURLContextFedToModel(t *testing.T) {
	analyzer := &mocks.StubAnalyzer{Result: "Example Domain reserved for docs"}
	f := newFixture(t, mocks.NewScriptedLLM("looks like a docs page"), WithAnalyzer(analyzer))
	f.start(t)

	f.transport.InjectPacket(dmPacket("what is https://example.com about?"))

	require.Eventually(t, func() bool {
		return len(f.transport.Sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"https://example.com"}, analyzer.URLs())
	reqs := f.ai.CompleteRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Example Domain reserved for docs", reqs[0].WebContext)
}

func TestURLAnalysisFailureUsesErrorMarker(t *testing.T) {
	analyzer := &mocks.StubAnalyzer{Err: errors.New("navigation timeout")}
	f := newFixture(t, mocks.NewScriptedLLM("could not read that page"), WithAnalyzer(analyzer))
	f.start(t)

	f.transport.InjectPacket(dmPacket("see https://example.com/down"))

	require.Eventually(t, func() bool {
		return len(f.ai.CompleteRequests()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, webErrorMarker, f.ai.CompleteRequests()[0].WebContext)
}

func TestConnEventsDriveStateMachine(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM())
	f.start(t)

	f.transport.InjectEvent(mesh.ConnEvent{Kind: mesh.ConnLost, Reason: "gateway restart"})
	require.Eventually(t, func() bool {
		return f.conn.State() == connection.StateReconnecting
	}, 5*time.Second, 10*time.Millisecond)

	f.transport.InjectEvent(mesh.ConnEvent{Kind: mesh.ConnEstablished, LocalNodeID: "deadbeef"})
	require.Eventually(t, func() bool {
		return f.conn.State() == connection.StateConnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPacketWithoutChannelTreatedAsPrimary(t *testing.T) {
	f := newFixture(t, mocks.NewScriptedLLM("hello channel"))
	f.start(t)

	pkt := broadcastPacket(0, "no channel field")
	pkt.Channel = nil
	f.transport.InjectPacket(pkt)

	// Lands in channel_0 and, since that is the active channel, replies.
	require.Eventually(t, func() bool {
		return len(f.transport.Sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, f.store.Load("channel_0"), 2)
}
