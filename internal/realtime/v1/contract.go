// Package v1 defines the chat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light; it is the
// authoritative description of the wire envelopes exchanged over /ws.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates a session (client -> server); carries the
	// identity token.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeSendMessage requests sending a new message (client -> server).
	TypeSendMessage = "chat.sendMessage"
	// TypeMarkRead marks a conversation read (client -> server).
	TypeMarkRead = "chat.markRead"

	// TypeMessageNew pushes a newly persisted message to other participants
	// (server -> client). The payload is a MessageView.
	TypeMessageNew = "message.new"

	// TypeError is a protocol-level error envelope (server -> client).
	// Domain validation failures on chat.* events produce no error envelope.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypeSendMessage, TypeMarkRead, TypeMessageNew, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloPayload authenticates the session with an identity token.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms the authenticated session.
type HelloAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// SendMessagePayload requests sending a message into a conversation.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// MarkReadPayload marks all messages in a conversation as read.
type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// ErrorPayload is a generic protocol error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
