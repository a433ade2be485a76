package dispatch

import "strings"

// suppressPhrases are refusal/non-answer markers. A candidate reply
// containing any of them (case-insensitive) is dropped rather than
// transmitted over the radio.
var suppressPhrases = []string{
	"i cannot fulfill",
	"i'm unable to",
	"i am unable",
	"as an ai",
	"i'm sorry, but i cannot",
	"...",
	"hmm",
}

// Minimum reply lengths after trimming. DMs tolerate terser replies
// than channel broadcasts.
const (
	minReplyLenDirect    = 3
	minReplyLenBroadcast = 5
)

// Suppressed reports whether a candidate reply should be treated as
// "no reply": empty, too short, or a refusal/non-answer.
func Suppressed(reply string, isDirectMessage bool) bool {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return true
	}

	minLen := minReplyLenBroadcast
	if isDirectMessage {
		minLen = minReplyLenDirect
	}
	if len(trimmed) < minLen {
		return true
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range suppressPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
