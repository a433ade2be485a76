package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(i int) *int { return &i }

func TestResolveIDDirectMessageSymmetry(t *testing.T) {
	local := "deadbeef"

	// A node messaging us and us messaging that node must land in the
	// same log, regardless of direction.
	inbound := ResolveID("a1b2c3", nil, local, local)
	outbound := ResolveID(local, nil, local, "a1b2c3")

	assert.Equal(t, "dm_a1b2c3_deadbeef", inbound)
	assert.Equal(t, inbound, outbound)
}

func TestResolveIDCaseInsensitive(t *testing.T) {
	assert.Equal(t,
		ResolveID("A1B2C3", nil, "DEADBEEF", "DEADBEEF"),
		ResolveID("a1b2c3", nil, "deadbeef", "deadbeef"))
}

func TestResolveIDChannel(t *testing.T) {
	assert.Equal(t, "channel_0", ResolveID("a1b2c3", intPtr(0), "deadbeef", "ffffffff"))
	assert.Equal(t, "channel_2", ResolveID("a1b2c3", intPtr(2), "deadbeef", "broadcast"))
}

func TestResolveIDChannelSharedAcrossSenders(t *testing.T) {
	a := ResolveID("a1b2c3", intPtr(1), "deadbeef", "ffffffff")
	b := ResolveID("c0ffee", intPtr(1), "deadbeef", "ffffffff")
	assert.Equal(t, a, b, "channel conversations are keyed by channel, not sender")
}

func TestResolveIDThirdPartyDM(t *testing.T) {
	// A DM between two other nodes, overheard by us.
	id := ResolveID("a1b2c3", nil, "deadbeef", "c0ffee")
	assert.Equal(t, "dm_other_a1b2c3_c0ffee", id)

	// Symmetric for the reply direction.
	reply := ResolveID("c0ffee", nil, "deadbeef", "a1b2c3")
	assert.Equal(t, id, reply)
}

func TestResolveIDUnknownContextFallback(t *testing.T) {
	id := ResolveID("a1b2c3", nil, "deadbeef", "ffffffff")
	assert.Equal(t, "unknown_context_sender_a1b2c3", id)
	assert.True(t, IsAmbiguous(id))

	assert.False(t, IsAmbiguous("dm_a1b2c3_deadbeef"))
	assert.False(t, IsAmbiguous("channel_0"))
}

func TestResolveIDDMOutranksChannel(t *testing.T) {
	// A packet addressed to us resolves as a DM even with a channel set.
	id := ResolveID("a1b2c3", intPtr(0), "deadbeef", "deadbeef")
	assert.Equal(t, "dm_a1b2c3_deadbeef", id)
}

func TestResolveIDUnknownLocalNode(t *testing.T) {
	// Before the gateway announces our identity, DM resolution is
	// impossible; channel and fallback paths still work.
	assert.Equal(t, "channel_0", ResolveID("a1b2c3", intPtr(0), "", "ffffffff"))
	assert.Equal(t, "unknown_context_sender_a1b2c3", ResolveID("a1b2c3", nil, "", ""))
}
