package llm

import (
	"fmt"
	"strings"
)

// webContextLimit bounds how much analyzed-URL text the prompt carries;
// the radio link wants short replies, the model does not need pages of
// context to produce one.
const webContextLimit = 1500

// UserTurn renders the current turn the way the persona was tuned for:
// an optional URL-context block followed by an attributed message line.
func UserTurn(req CompletionRequest) string {
	var parts []string

	if req.WebContext != "" {
		ctx := strings.TrimSpace(req.WebContext)
		if len(ctx) > webContextLimit {
			ctx = ctx[:webContextLimit] + "..."
		}
		parts = append(parts, fmt.Sprintf("[Context from analyzed URL: %s]", ctx))
	}

	parts = append(parts, fmt.Sprintf("%s says: %s", attribution(req.UserName, req.NodeID), req.Text))
	return strings.Join(parts, "\n")
}

// attribution names the sender for the model. Placeholder names of the
// form "Node-<hex>" carry no information beyond the node id.
func attribution(userName, nodeID string) string {
	if nodeID == "" {
		nodeID = "UnknownNode"
	}
	if userName != "" && !strings.HasPrefix(userName, "Node-") {
		return fmt.Sprintf("User '%s' (NodeID: %s)", userName, nodeID)
	}
	return fmt.Sprintf("User (NodeID: %s)", nodeID)
}
