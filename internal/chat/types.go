// Package chat implements the conversation/message domain core: user
// directory, conversation and message persistence contracts, and the engine
// that enforces deduplication, pagination, unread bookkeeping, and fan-out.
package chat

import "time"

// Identity is a resolved external identity plus the latest profile claims.
// AuthID is the stable identifier issued by the identity provider; the server
// trusts it and maps it to an internal User row.
type Identity struct {
	AuthID     string
	Name       string
	Email      string
	PictureURL string
}

// User is an internal user record. AuthID is unique and immutable after
// creation; name/email/picture are overwritten with the latest claims on
// every resolve.
type User struct {
	ID         string
	AuthID     string
	Name       string
	Email      string
	PictureURL string
	CreatedAt  time.Time
}

// Conversation is a direct or group conversation with its participants fully
// materialized. Name is meaningful only when IsGroup is true; a direct
// conversation's display name is derived at read time from the other
// participant and never stored.
type Conversation struct {
	ID           string
	IsGroup      bool
	Name         string
	CreatedAt    time.Time
	Participants []User
}

// HasParticipant reports whether userID is in the participant set.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Message is an immutable chat message; only the read flag may change, and
// only from false to true.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	SentAt         time.Time
	IsRead         bool
}

// UserView is the participant DTO exposed over the API. It never carries the
// raw external identity.
type UserView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	PictureURL string `json:"pictureUrl"`
}

// MessageView is the message DTO exposed over the API and pushed over the
// realtime transport. SentAt is milliseconds since epoch.
type MessageView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	SenderPicture  string `json:"senderPicture"`
	Content        string `json:"content"`
	SentAt         int64  `json:"sentAt"`
	IsRead         bool   `json:"read"`
}

// ConversationSummary is the per-conversation listing DTO: derived display
// name, participants, last message if any, and the unread count.
type ConversationSummary struct {
	ID           string       `json:"id"`
	IsGroup      bool         `json:"isGroupChat"`
	Name         string       `json:"name"`
	CreatedAt    time.Time    `json:"createdAt"`
	Participants []UserView   `json:"participants"`
	LastMessage  *MessageView `json:"lastMessage,omitempty"`
	UnreadCount  int64        `json:"unreadCount"`
}

// ViewOfUser projects a user record onto its API shape.
func ViewOfUser(u User) UserView {
	return UserView{ID: u.ID, Name: u.Name, Email: u.Email, PictureURL: u.PictureURL}
}

func viewOfMessage(m Message, sender User) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     sender.Name,
		SenderPicture:  sender.PictureURL,
		Content:        m.Content,
		SentAt:         m.SentAt.UnixMilli(),
		IsRead:         m.IsRead,
	}
}
