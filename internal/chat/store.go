package chat

import (
	"context"
	"time"
)

// UserStore is the user directory persistence boundary.
type UserStore interface {
	// ResolveUser upserts a user keyed on the external identity. On first
	// sight it creates a new row; afterwards it overwrites name/email/picture
	// with the latest claims. It fails only on store-level faults.
	ResolveUser(ctx context.Context, ident Identity) (User, error)

	// UserByID returns the user or ErrNotFound.
	UserByID(ctx context.Context, id string) (User, error)

	// UsersByIDs returns the users for the given ids; missing ids are
	// silently skipped, no error.
	UsersByIDs(ctx context.Context, ids []string) ([]User, error)

	// SearchUsers matches the query case-insensitively as a substring of
	// name OR email. An empty query returns all users.
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

// CreateConversationInput describes a conversation creation request.
// ParticipantIDs must reference existing users.
type CreateConversationInput struct {
	IsGroup        bool
	Name           string
	ParticipantIDs []string
	Now            time.Time
}

// ConversationStore is the conversation persistence boundary. Participant
// lists are always fully materialized; the engine never triggers implicit I/O
// by touching a field.
type ConversationStore interface {
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error)

	// ConversationByID returns the conversation with participants, or
	// ErrNotFound.
	ConversationByID(ctx context.Context, id string) (Conversation, error)

	// FindDirectConversation returns the non-group conversation containing
	// both users, if one exists. Dedup is lookup-before-insert: two
	// concurrent creators for the same pair can race and both insert
	// (documented, accepted).
	FindDirectConversation(ctx context.Context, userA, userB string) (Conversation, bool, error)

	// ConversationsForUser returns every conversation the user participates in.
	ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
}

// AppendMessageInput describes a message append request. SentAt is assigned
// server-side from Now; clients never supply it.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Now            time.Time
}

// MessageStore is the message persistence boundary.
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)

	// ListMessagePage returns the page-th window of size pageSize ordered by
	// sent_at DESC (page 0 = most recent slice). The id is a ULID and breaks
	// ties for messages sent in the same millisecond.
	ListMessagePage(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error)

	// LastMessage returns the single most recent message, if any.
	LastMessage(ctx context.Context, conversationID string) (Message, bool, error)

	// CountUnread counts messages with is_read=false in the conversation.
	// The count is store-level (total), not scoped to a viewer.
	CountUnread(ctx context.Context, conversationID string) (int64, error)

	// MarkRead flips is_read false->true for every message in the
	// conversation whose sender is not readerID. Idempotent; returns the
	// number of rows changed.
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
}
