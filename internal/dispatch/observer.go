package dispatch

// Observer receives send outcomes, typically for a UI. Failed sends
// are reported, never retried automatically.
type Observer interface {
	// ReplySent reports a successfully transmitted reply.
	ReplySent(conversationID, destinationID, text string)

	// SendFailed reports a reply that could not be transmitted.
	SendFailed(conversationID string, err error)
}

// NopObserver discards all notifications.
type NopObserver struct{}

// ReplySent does nothing.
func (NopObserver) ReplySent(string, string, string) {}

// SendFailed does nothing.
func (NopObserver) SendFailed(string, error) {}
