package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gapshap/internal/ids"
)

// MemoryStore is an in-process implementation of UserStore,
// ConversationStore, and MessageStore. It is the fallback when no database
// is configured and the backing store for unit tests.
type MemoryStore struct {
	mu sync.Mutex

	users    map[string]User   // id -> user
	byAuthID map[string]string // auth_id -> id
	convs    map[string]*memConversation
	messages map[string][]Message // conversation id -> messages, append order
	userSeq  []string             // creation order for deterministic listings
}

type memConversation struct {
	id           string
	isGroup      bool
	name         string
	createdAt    time.Time
	participants []string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		byAuthID: make(map[string]string),
		convs:    make(map[string]*memConversation),
		messages: make(map[string][]Message),
	}
}

// ---- UserStore ----

// ResolveUser upserts a user keyed on the external identity.
func (s *MemoryStore) ResolveUser(ctx context.Context, ident Identity) (User, error) {
	const op = "chat.ResolveUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if strings.TrimSpace(ident.AuthID) == "" {
		return User{}, invalid(op, "missing external identity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAuthID[ident.AuthID]; ok {
		u := s.users[id]
		u.Name = ident.Name
		u.Email = ident.Email
		u.PictureURL = ident.PictureURL
		s.users[id] = u
		return u, nil
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:         id,
		AuthID:     ident.AuthID,
		Name:       ident.Name,
		Email:      ident.Email,
		PictureURL: ident.PictureURL,
		CreatedAt:  now,
	}
	s.users[id] = u
	s.byAuthID[ident.AuthID] = id
	s.userSeq = append(s.userSeq, id)
	return u, nil
}

// UserByID returns the user or ErrNotFound.
func (s *MemoryStore) UserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, notFound("chat.UserByID", "user "+id)
	}
	return u, nil
}

// UsersByIDs returns users for the given ids, skipping unknown ids.
func (s *MemoryStore) UsersByIDs(ctx context.Context, userIDs []string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// SearchUsers matches query case-insensitively against name or email.
func (s *MemoryStore) SearchUsers(ctx context.Context, query string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.userSeq))
	for _, id := range s.userSeq {
		u := s.users[id]
		if q == "" ||
			strings.Contains(strings.ToLower(u.Name), q) ||
			strings.Contains(strings.ToLower(u.Email), q) {
			out = append(out, u)
		}
	}
	return out, nil
}

// ---- ConversationStore ----

// CreateConversation persists a conversation with its participant set.
func (s *MemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "chat.CreateConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if len(in.ParticipantIDs) < 2 {
		return Conversation{}, invalid(op, "conversation needs at least 2 participants")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range in.ParticipantIDs {
		if _, ok := s.users[id]; !ok {
			return Conversation{}, notFound(op, "participant "+id)
		}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}
	c := &memConversation{
		id:           id,
		isGroup:      in.IsGroup,
		name:         in.Name,
		createdAt:    now,
		participants: append([]string(nil), in.ParticipantIDs...),
	}
	s.convs[id] = c
	return s.materialize(c), nil
}

// ConversationByID returns the conversation with participants materialized.
func (s *MemoryStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, notFound("chat.ConversationByID", "conversation "+id)
	}
	return s.materialize(c), nil
}

// FindDirectConversation returns the non-group conversation containing
// exactly both users.
func (s *MemoryStore) FindDirectConversation(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.convs {
		if c.isGroup || len(c.participants) != 2 {
			continue
		}
		if memContains(c.participants, userA) && memContains(c.participants, userB) {
			return s.materialize(c), true, nil
		}
	}
	return Conversation{}, false, nil
}

// ConversationsForUser returns every conversation the user participates in.
func (s *MemoryStore) ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if memContains(c.participants, userID) {
			out = append(out, s.materialize(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) materialize(c *memConversation) Conversation {
	conv := Conversation{
		ID:           c.id,
		IsGroup:      c.isGroup,
		Name:         c.name,
		CreatedAt:    c.createdAt,
		Participants: make([]User, 0, len(c.participants)),
	}
	for _, id := range c.participants {
		if u, ok := s.users[id]; ok {
			conv.Participants = append(conv.Participants, u)
		}
	}
	return conv
}

func memContains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ---- MessageStore ----

// AppendMessage persists a message with a server-assigned timestamp and id.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.AppendMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[in.ConversationID]; !ok {
		return Message{}, notFound(op, "conversation "+in.ConversationID)
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		SentAt:         now,
	}
	s.messages[in.ConversationID] = append(s.messages[in.ConversationID], m)
	return m, nil
}

// ListMessagePage returns the page-th window of size pageSize ordered
// sentAt DESC.
func (s *MemoryStore) ListMessagePage(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 0 || pageSize <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	asc := append([]Message(nil), s.messages[conversationID]...)
	s.mu.Unlock()

	// Append order is insertion order; a stable sort on sentAt keeps
	// same-millisecond messages in insertion order.
	sort.SliceStable(asc, func(i, j int) bool { return asc[i].SentAt.Before(asc[j].SentAt) })

	end := len(asc) - page*pageSize
	if end <= 0 {
		return nil, nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}

	win := asc[start:end]
	out := make([]Message, len(win))
	for i, m := range win {
		out[len(win)-1-i] = m
	}
	return out, nil
}

// LastMessage returns the most recent message, if any.
func (s *MemoryStore) LastMessage(ctx context.Context, conversationID string) (Message, bool, error) {
	msgs, err := s.ListMessagePage(ctx, conversationID, 0, 1)
	if err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	return msgs[0], true, nil
}

// CountUnread counts all unread messages in the conversation.
func (s *MemoryStore) CountUnread(ctx context.Context, conversationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages[conversationID] {
		if !m.IsRead {
			n++
		}
	}
	return n, nil
}

// MarkRead flips unread messages not sent by readerID to read.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	var n int64
	for i := range msgs {
		if !msgs[i].IsRead && msgs[i].SenderID != readerID {
			msgs[i].IsRead = true
			n++
		}
	}
	return n, nil
}
