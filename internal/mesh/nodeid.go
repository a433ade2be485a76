package mesh

import (
	"strconv"
	"strings"
)

// BroadcastID is the hex form of the mesh broadcast address (0xffffffff).
const BroadcastID = "ffffffff"

// NormalizeID lowercases a hex node id for comparison and storage.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// IsBroadcast reports whether a destination addresses all listeners
// rather than a single node. The gateway may use either the literal
// word "broadcast" or the numeric sentinel.
func IsBroadcast(destinationID string) bool {
	d := NormalizeID(destinationID)
	return d == "" || d == "broadcast" || d == BroadcastID
}

// ValidNodeID reports whether id parses as a hex node identifier.
func ValidNodeID(id string) bool {
	id = NormalizeID(id)
	if id == "" || len(id) > 8 {
		return false
	}
	_, err := strconv.ParseUint(id, 16, 32)
	return err == nil
}
