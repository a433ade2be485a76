// Package mesh defines the contract with the packet-radio transport.
//
// The radio wire protocol itself lives in an external gateway process;
// this package only speaks the gateway's event/command framing and
// exposes the pieces the rest of the application cares about: decoded
// text packets, connection established/lost events, and text sends.
package mesh

import (
	"context"
	"time"
)

// Transport abstracts the mesh radio link.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect establishes the link and blocks until the local node
	// identity is known or ctx expires.
	Connect(ctx context.Context) error

	// SendText transmits a text payload. A non-empty destination sends a
	// unicast (acknowledged) message; an empty destination or the
	// broadcast sentinel sends an unacknowledged channel broadcast.
	SendText(ctx context.Context, text, destinationID string, channelIndex int, wantAck bool) error

	// LocalNodeID returns the hex identifier of the local node.
	// It must be re-read after every reconnection; the gateway may
	// assign a different identity.
	LocalNodeID() string

	// Packets returns the stream of decoded inbound text packets.
	// Non-text packets are filtered out before they reach this channel.
	Packets() <-chan PacketEvent

	// Events returns the stream of connection lifecycle events.
	Events() <-chan ConnEvent

	// Channels lists the logical channels known to the radio.
	Channels(ctx context.Context) ([]ChannelInfo, error)

	// Close tears down the link. Idempotent.
	Close() error
}

// PacketEvent is one decoded inbound text packet.
type PacketEvent struct {
	SenderID      string    // stable hex node id
	SenderName    string    // display name when the node database knows one
	DestinationID string    // hex node id or the broadcast sentinel
	Channel       *int      // nil when the packet carried no channel field
	Text          string
	ReceivedAt    time.Time
}

// ConnEventKind distinguishes connection lifecycle events.
type ConnEventKind int

const (
	// ConnEstablished indicates the gateway confirmed the radio link.
	ConnEstablished ConnEventKind = iota
	// ConnLost indicates the gateway lost the radio link.
	ConnLost
)

// ConnEvent is a connection established/lost notification.
type ConnEvent struct {
	Kind        ConnEventKind
	LocalNodeID string // populated on ConnEstablished
	Reason      string // populated on ConnLost when the gateway gives one
}

// ChannelInfo describes one logical channel on the device.
type ChannelInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}
