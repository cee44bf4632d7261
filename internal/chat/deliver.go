package chat

import "context"

// Deliverer pushes a persisted message to every participant other than the
// sender over the realtime transport.
//
// Fire-and-forget: no acknowledgement is awaited and failures are never
// reported back to the sender. A participant with no live connection is
// simply skipped; the message stays durably available via GetMessages.
type Deliverer interface {
	Deliver(ctx context.Context, msg MessageView, participants []User, senderID string)
}

// NopDeliverer drops every delivery. Used when no realtime transport is
// wired (tests, batch tooling).
type NopDeliverer struct{}

// Deliver implements Deliverer.
func (NopDeliverer) Deliver(context.Context, MessageView, []User, string) {}
