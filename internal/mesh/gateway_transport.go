package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Ensure GatewayTransport implements Transport.
var _ Transport = (*GatewayTransport)(nil)

const (
	// packetBuffer bounds the inbound packet channel; the radio is
	// low-volume, overflow means the consumer stalled.
	packetBuffer = 100
	// eventBuffer bounds the lifecycle event channel.
	eventBuffer = 16
	// connectTimeout bounds the initial dial.
	connectTimeout = 10 * time.Second
)

// gatewayMessage is one newline-delimited JSON frame from the gateway.
type gatewayMessage struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	NodeID        string          `json:"node_id,omitempty"`
	SenderID      string          `json:"sender_id,omitempty"`
	SenderName    string          `json:"sender_name,omitempty"`
	DestinationID string          `json:"destination_id,omitempty"`
	Channel       *int            `json:"channel,omitempty"`
	Text          string          `json:"text,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// gatewayCommand is one command frame sent to the gateway.
type gatewayCommand struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	Text          string `json:"text,omitempty"`
	DestinationID string `json:"destination_id,omitempty"`
	Channel       int    `json:"channel"`
	WantAck       bool   `json:"want_ack,omitempty"`
}

// GatewayTransport implements Transport over a mesh gateway socket.
// The gateway process owns the serial/TCP radio protocol and relays
// decoded packets as newline-delimited JSON.
type GatewayTransport struct {
	network string
	addr    string
	logger  *zap.Logger

	conn   net.Conn
	connMu sync.Mutex

	requestID atomic.Uint64
	pending   map[string]chan *gatewayMessage
	pendingMu sync.Mutex

	packets chan PacketEvent
	events  chan ConnEvent

	localNodeID atomic.Value // string

	closeOnce sync.Once
	done      chan struct{}
}

// NewGatewayTransport creates a transport that dials the given address.
// network is "tcp" or "unix".
func NewGatewayTransport(network, addr string, logger *zap.Logger) *GatewayTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &GatewayTransport{
		network: network,
		addr:    addr,
		logger:  logger,
		pending: make(map[string]chan *gatewayMessage),
		packets: make(chan PacketEvent, packetBuffer),
		events:  make(chan ConnEvent, eventBuffer),
		done:    make(chan struct{}),
	}
	t.localNodeID.Store("")
	return t
}

// Connect dials the gateway and waits for the local node identity.
// Safe to call again after a link loss: the previous connection is
// superseded and the identity is re-read from the new link.
func (t *GatewayTransport) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, t.network, t.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to mesh gateway at %s: %w", t.addr, err)
	}

	t.connMu.Lock()
	old := t.conn
	t.conn = conn
	t.connMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	// The gateway may assign a different identity per connection; a
	// stale id must never satisfy the wait below.
	t.localNodeID.Store("")

	go t.readLoop(conn)

	// The gateway announces the local node identity as its first frame
	// after accepting a connection. Wait for it before reporting success;
	// nothing can be addressed without it.
	deadline := time.NewTimer(connectTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		if t.LocalNodeID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled waiting for node identity: %w", ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for node identity from gateway")
		case <-t.done:
			return fmt.Errorf("transport closed during connect")
		case <-poll.C:
		}
	}
}

// SendText transmits a text payload via the gateway.
func (t *GatewayTransport) SendText(ctx context.Context, text, destinationID string, channelIndex int, wantAck bool) error {
	cmd := gatewayCommand{
		Type:    "send",
		ID:      "req-" + strconv.FormatUint(t.requestID.Add(1), 10),
		Text:    text,
		Channel: channelIndex,
		WantAck: wantAck,
	}
	if destinationID != "" && !IsBroadcast(destinationID) {
		cmd.DestinationID = NormalizeID(destinationID)
	}

	resp, err := t.roundTrip(ctx, &cmd)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("gateway rejected send: %s", resp.Error)
	}
	return nil
}

// LocalNodeID returns the hex id announced by the gateway.
func (t *GatewayTransport) LocalNodeID() string {
	id, _ := t.localNodeID.Load().(string)
	return id
}

// Packets returns the inbound packet stream.
func (t *GatewayTransport) Packets() <-chan PacketEvent {
	return t.packets
}

// Events returns the connection lifecycle event stream.
func (t *GatewayTransport) Events() <-chan ConnEvent {
	return t.events
}

// Channels lists the logical channels known to the radio.
func (t *GatewayTransport) Channels(ctx context.Context) ([]ChannelInfo, error) {
	cmd := gatewayCommand{
		Type: "list_channels",
		ID:   "req-" + strconv.FormatUint(t.requestID.Add(1), 10),
	}
	resp, err := t.roundTrip(ctx, &cmd)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("gateway rejected channel list: %s", resp.Error)
	}
	var channels []ChannelInfo
	if err := json.Unmarshal(resp.Result, &channels); err != nil {
		return nil, fmt.Errorf("failed to decode channel list: %w", err)
	}
	return channels, nil
}

// Close tears down the gateway connection. Idempotent.
func (t *GatewayTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.connMu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
			t.conn = nil
		}
		t.connMu.Unlock()
	})
	return err
}

// roundTrip sends one command and waits for its acknowledgement frame.
func (t *GatewayTransport) roundTrip(ctx context.Context, cmd *gatewayCommand) (*gatewayMessage, error) {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("gateway transport not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway command: %w", err)
	}

	respCh := make(chan *gatewayMessage, 1)
	t.pendingMu.Lock()
	t.pending[cmd.ID] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, cmd.ID)
		t.pendingMu.Unlock()
	}()

	if _, writeErr := fmt.Fprintf(conn, "%s\n", data); writeErr != nil {
		return nil, fmt.Errorf("failed to write to gateway: %w", writeErr)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled waiting for gateway reply: %w", ctx.Err())
	case <-t.done:
		return nil, fmt.Errorf("transport closed")
	case resp := <-respCh:
		return resp, nil
	}
}

// readLoop decodes frames from the gateway until the connection drops.
func (t *GatewayTransport) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var msg gatewayMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.logger.Warn("discarding malformed gateway frame", zap.Error(err))
			continue
		}
		t.handleFrame(conn, &msg)
	}

	// EOF or read error: the link is gone unless we closed it ourselves
	// or a reconnect already superseded this connection.
	select {
	case <-t.done:
	default:
		if !t.isCurrent(conn) {
			return
		}
		if err := scanner.Err(); err != nil {
			t.logger.Warn("gateway read loop terminated", zap.Error(err))
		}
		t.deliverEvent(ConnEvent{Kind: ConnLost, Reason: "gateway connection closed"})
	}
}

func (t *GatewayTransport) handleFrame(conn net.Conn, msg *gatewayMessage) {
	switch msg.Type {
	case "packet":
		// Frames without text are non-text packets; ignore them silently.
		if msg.Text == "" {
			return
		}
		pkt := PacketEvent{
			SenderID:      NormalizeID(msg.SenderID),
			SenderName:    msg.SenderName,
			DestinationID: NormalizeID(msg.DestinationID),
			Channel:       msg.Channel,
			Text:          msg.Text,
			ReceivedAt:    time.Now(),
		}
		if pkt.DestinationID == "" {
			pkt.DestinationID = BroadcastID
		}
		select {
		case t.packets <- pkt:
		default:
			t.logger.Warn("dropping packet, consumer not keeping up",
				zap.String("sender", pkt.SenderID))
		}
	case "established", "myinfo":
		// Identity and lifecycle frames only count from the live
		// connection; a superseded read loop may still be draining.
		if !t.isCurrent(conn) {
			return
		}
		if msg.NodeID != "" {
			t.localNodeID.Store(NormalizeID(msg.NodeID))
		}
		if msg.Type == "established" {
			t.deliverEvent(ConnEvent{Kind: ConnEstablished, LocalNodeID: t.LocalNodeID()})
		}
	case "lost":
		if !t.isCurrent(conn) {
			return
		}
		t.deliverEvent(ConnEvent{Kind: ConnLost, Reason: msg.Reason})
	case "ack", "result", "error":
		t.pendingMu.Lock()
		ch, ok := t.pending[msg.ID]
		t.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	default:
		t.logger.Debug("ignoring unknown gateway frame", zap.String("type", msg.Type))
	}
}

// isCurrent reports whether conn is still the transport's live link.
func (t *GatewayTransport) isCurrent(conn net.Conn) bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn == conn
}

func (t *GatewayTransport) deliverEvent(ev ConnEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("dropping connection event, consumer not keeping up")
	}
}
