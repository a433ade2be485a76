// Package mocks provides hand-rolled test doubles for the application's
// collaborator interfaces. Each mock records calls under a mutex and
// lets tests override behavior with function fields.
package mocks

import (
	"context"
	"sync"

	"meshbridge/internal/mesh"
)

// Ensure MockTransport implements mesh.Transport.
var _ mesh.Transport = (*MockTransport)(nil)

// SentText records one SendText call.
type SentText struct {
	Text          string
	DestinationID string
	ChannelIndex  int
	WantAck       bool
}

// MockTransport is a controllable mesh.Transport. Tests inject inbound
// traffic through InjectPacket/InjectEvent and inspect outbound sends
// through Sent.
type MockTransport struct {
	mu          sync.Mutex
	localNodeID string
	sent        []SentText
	channels    []mesh.ChannelInfo
	closed      bool

	packets chan mesh.PacketEvent
	events  chan mesh.ConnEvent

	// Overridable behavior. Nil fields fall back to recording defaults.
	ConnectFunc  func(ctx context.Context) error
	SendTextFunc func(ctx context.Context, text, destinationID string, channelIndex int, wantAck bool) error
}

// NewMockTransport returns a transport that reports the given local
// node id and accepts all sends.
func NewMockTransport(localNodeID string) *MockTransport {
	return &MockTransport{
		localNodeID: localNodeID,
		packets:     make(chan mesh.PacketEvent, 16),
		events:      make(chan mesh.ConnEvent, 16),
	}
}

// Connect runs ConnectFunc when set, otherwise succeeds.
func (m *MockTransport) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx)
	}
	return nil
}

// SendText records the call, then runs SendTextFunc when set.
func (m *MockTransport) SendText(ctx context.Context, text, destinationID string, channelIndex int, wantAck bool) error {
	m.mu.Lock()
	m.sent = append(m.sent, SentText{
		Text:          text,
		DestinationID: destinationID,
		ChannelIndex:  channelIndex,
		WantAck:       wantAck,
	})
	m.mu.Unlock()

	if m.SendTextFunc != nil {
		return m.SendTextFunc(ctx, text, destinationID, channelIndex, wantAck)
	}
	return nil
}

// LocalNodeID returns the configured local node id.
func (m *MockTransport) LocalNodeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localNodeID
}

// SetLocalNodeID changes the reported local identity, simulating a
// gateway that re-identifies after reconnect.
func (m *MockTransport) SetLocalNodeID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localNodeID = id
}

// Packets returns the inbound packet stream.
func (m *MockTransport) Packets() <-chan mesh.PacketEvent { return m.packets }

// Events returns the connection event stream.
func (m *MockTransport) Events() <-chan mesh.ConnEvent { return m.events }

// Channels returns the configured channel list.
func (m *MockTransport) Channels(context.Context) ([]mesh.ChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mesh.ChannelInfo(nil), m.channels...), nil
}

// SetChannels configures what Channels returns.
func (m *MockTransport) SetChannels(chs []mesh.ChannelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append([]mesh.ChannelInfo(nil), chs...)
}

// Close marks the transport closed. Idempotent.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// InjectPacket delivers one inbound packet to the consumer.
func (m *MockTransport) InjectPacket(pkt mesh.PacketEvent) {
	m.packets <- pkt
}

// InjectEvent delivers one connection event to the consumer.
func (m *MockTransport) InjectEvent(ev mesh.ConnEvent) {
	m.events <- ev
}

// Sent returns a copy of all recorded sends.
func (m *MockTransport) Sent() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentText(nil), m.sent...)
}
