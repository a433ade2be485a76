package conversation

import (
	"sort"
	"strconv"
	"strings"

	"meshbridge/internal/mesh"
)

// UnknownContextPrefix marks fallback conversation ids produced when a
// packet carries neither a resolvable DM pair nor a channel. Callers
// should log these as ambiguous.
const UnknownContextPrefix = "unknown_context_sender_"

// ResolveID computes the stable conversation identifier for a packet.
// DM pairs canonicalize by sorting the two participant ids, so the id
// is identical regardless of which party sent the current packet and a
// DM thread never forks into two logs.
//
// Priority order: inbound DM to the local node, outbound DM from the
// local node, channel conversation, DM between two other parties,
// sender-only fallback.
func ResolveID(senderID string, channel *int, localNodeID, destinationID string) string {
	sender := mesh.NormalizeID(senderID)
	local := mesh.NormalizeID(localNodeID)
	dest := mesh.NormalizeID(destinationID)

	destIsNode := dest != "" && !mesh.IsBroadcast(dest)

	if local != "" && dest == local && sender != local {
		return "dm_" + sortedJoin(local, sender)
	}
	if local != "" && sender == local && destIsNode && dest != local {
		return "dm_" + sortedJoin(local, dest)
	}
	if channel != nil {
		return "channel_" + strconv.Itoa(*channel)
	}
	if destIsNode {
		return "dm_other_" + sortedJoin(sender, dest)
	}
	return UnknownContextPrefix + sender
}

// IsAmbiguous reports whether id is a sender-only fallback.
func IsAmbiguous(id string) bool {
	return strings.HasPrefix(id, UnknownContextPrefix)
}

func sortedJoin(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}
