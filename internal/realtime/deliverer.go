package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gapshap/internal/chat"
	v1 "gapshap/internal/realtime/v1"
)

// Deliverer fans a persisted message out to every participant except the
// sender, addressed by external identity on the message.new channel.
//
// Fire-and-forget: no acknowledgement, no retry. A participant with no live
// session is skipped; the message stays available via the history API.
type Deliverer struct {
	log *slog.Logger
	hub *Hub
}

// NewDeliverer constructs a Deliverer bound to a hub.
func NewDeliverer(log *slog.Logger, hub *Hub) *Deliverer {
	if log == nil {
		log = slog.Default()
	}
	return &Deliverer{log: log, hub: hub}
}

// Deliver implements chat.Deliverer.
func (d *Deliverer) Deliver(_ context.Context, msg chat.MessageView, participants []chat.User, senderID string) {
	if d == nil || d.hub == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Error("deliver.marshal.fail", "message_id", msg.ID, "err", err)
		return
	}

	now := time.Now().UTC()
	for _, p := range participants {
		if p.ID == senderID {
			continue
		}

		n := d.hub.Push(p.AuthID, newEnvelope(v1.TypeMessageNew, payload, now))
		d.log.Debug("deliver.push",
			"message_id", msg.ID,
			"conversation_id", msg.ConversationID,
			"to_user_id", p.ID,
			"sessions", n,
		)
	}
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := newEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
