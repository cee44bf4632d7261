package chat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Engine implements the request-level chat operations on top of the three
// stores. It performs no in-process caching: every call reads through to the
// store, so reads are as consistent as the store itself.
type Engine struct {
	log   *slog.Logger
	users UserStore
	convs ConversationStore
	msgs  MessageStore
	fan   Deliverer
}

// NewEngine constructs an Engine. A nil deliverer disables fan-out.
func NewEngine(log *slog.Logger, users UserStore, convs ConversationStore, msgs MessageStore, fan Deliverer) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if fan == nil {
		fan = NopDeliverer{}
	}
	return &Engine{log: log, users: users, convs: convs, msgs: msgs, fan: fan}
}

// ListConversations returns a summary for every conversation the user
// participates in, sorted by most recent activity (last message sentAt, else
// createdAt), newest first. The ordering is recomputed on every call.
func (e *Engine) ListConversations(ctx context.Context, user User) ([]ConversationSummary, error) {
	convs, err := e.convs.ConversationsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		s, err := e.summarize(ctx, c, user)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaryActivity(summaries[i]) > summaryActivity(summaries[j])
	})

	return summaries, nil
}

// summaryActivity is the "most recent activity" timestamp in epoch millis:
// the last message's sentAt when one exists, else the conversation createdAt.
func summaryActivity(s ConversationSummary) int64 {
	if s.LastMessage != nil {
		return s.LastMessage.SentAt
	}
	return s.CreatedAt.UnixMilli()
}

// GetOrCreateDirect returns the unique direct conversation between the caller
// and otherID, creating it when absent.
//
// Lookup-before-insert: two concurrent calls for the same fresh pair can both
// observe "not found" and both insert. That race is accepted; closing it
// would need a unique constraint on an unordered-pair key plus retry.
func (e *Engine) GetOrCreateDirect(ctx context.Context, caller User, otherID string) (ConversationSummary, error) {
	const op = "chat.GetOrCreateDirect"

	if otherID == "" || caller.ID == otherID {
		return ConversationSummary{}, invalid(op, "cannot create a conversation with yourself")
	}

	other, err := e.users.UserByID(ctx, otherID)
	if err != nil {
		return ConversationSummary{}, err
	}

	conv, found, err := e.convs.FindDirectConversation(ctx, caller.ID, other.ID)
	if err != nil {
		return ConversationSummary{}, err
	}
	if !found {
		conv, err = e.convs.CreateConversation(ctx, CreateConversationInput{
			ParticipantIDs: []string{caller.ID, other.ID},
			Now:            time.Now().UTC(),
		})
		if err != nil {
			return ConversationSummary{}, err
		}
		e.log.Info("chat.conversation.create", "conversation_id", conv.ID, "kind", "direct")
	}

	return e.summarize(ctx, conv, caller)
}

// CreateGroup creates a named group conversation. The caller is merged into
// the participant set when absent; unknown participant ids are skipped. The
// resolved set must still contain at least 2 users.
func (e *Engine) CreateGroup(ctx context.Context, caller User, name string, participantIDs []string) (ConversationSummary, error) {
	const op = "chat.CreateGroup"

	name = strings.TrimSpace(name)
	if name == "" {
		return ConversationSummary{}, invalid(op, "group name is required")
	}

	participants, err := e.users.UsersByIDs(ctx, participantIDs)
	if err != nil {
		return ConversationSummary{}, err
	}

	ids := make([]string, 0, len(participants)+1)
	hasCaller := false
	for _, p := range participants {
		if p.ID == caller.ID {
			hasCaller = true
		}
		ids = append(ids, p.ID)
	}
	if !hasCaller {
		ids = append(ids, caller.ID)
	}

	if len(ids) < 2 {
		return ConversationSummary{}, invalid(op, "group conversation must have at least 2 participants")
	}

	conv, err := e.convs.CreateConversation(ctx, CreateConversationInput{
		IsGroup:        true,
		Name:           name,
		ParticipantIDs: ids,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return ConversationSummary{}, err
	}
	e.log.Info("chat.conversation.create", "conversation_id", conv.ID, "kind", "group", "participants", len(ids))

	return e.summarize(ctx, conv, caller)
}

// GetMessages returns the page-th window of pageSize messages, in ascending
// chronological order. Page 0 is always the newest slice: the store fetches
// the window ordered sentAt DESC and the result is reversed before returning,
// so clients render it oldest-to-newest and scroll up for older pages.
func (e *Engine) GetMessages(ctx context.Context, caller User, conversationID string, page, pageSize int) ([]MessageView, error) {
	const op = "chat.GetMessages"

	conv, err := e.requireParticipant(ctx, op, conversationID, caller.ID)
	if err != nil {
		return nil, err
	}
	if page < 0 || pageSize < 0 {
		return nil, invalid(op, "page and size must be non-negative")
	}

	msgs, err := e.msgs.ListMessagePage(ctx, conv.ID, page, pageSize)
	if err != nil {
		return nil, err
	}

	senders, err := e.senderIndex(ctx, conv, msgs)
	if err != nil {
		return nil, err
	}

	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		// Reverse the DESC window into ascending order.
		views[len(msgs)-1-i] = viewOfMessage(m, senders[m.SenderID])
	}
	return views, nil
}

// Send validates, persists, and fans out a new message. Delivery is attempted
// only after the write commits, and a delivery failure never fails the send.
func (e *Engine) Send(ctx context.Context, sender User, conversationID, content string) (MessageView, error) {
	const op = "chat.Send"

	conv, err := e.requireParticipant(ctx, op, conversationID, sender.ID)
	if err != nil {
		return MessageView{}, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return MessageView{}, invalid(op, "message content must not be empty")
	}

	m, err := e.msgs.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        content,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return MessageView{}, err
	}

	view := viewOfMessage(m, sender)
	e.log.Info("chat.send", "conversation_id", conv.ID, "message_id", m.ID, "sender_id", sender.ID)

	e.fan.Deliver(ctx, view, conv.Participants, sender.ID)
	return view, nil
}

// MarkRead flips the read flag of every unread message in the conversation
// that was not sent by user. Idempotent: a second call changes nothing.
func (e *Engine) MarkRead(ctx context.Context, user User, conversationID string) error {
	const op = "chat.MarkRead"

	conv, err := e.requireParticipant(ctx, op, conversationID, user.ID)
	if err != nil {
		return err
	}

	n, err := e.msgs.MarkRead(ctx, conv.ID, user.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		e.log.Info("chat.mark_read", "conversation_id", conv.ID, "user_id", user.ID, "messages", n)
	}
	return nil
}

func (e *Engine) requireParticipant(ctx context.Context, op, conversationID, userID string) (Conversation, error) {
	conv, err := e.convs.ConversationByID(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, invalid(op, "user is not part of this conversation")
	}
	return conv, nil
}

// summarize re-derives the conversation summary: participant DTOs, derived
// display name, last message, and the store-level unread count.
func (e *Engine) summarize(ctx context.Context, conv Conversation, viewer User) (ConversationSummary, error) {
	s := ConversationSummary{
		ID:           conv.ID,
		IsGroup:      conv.IsGroup,
		Name:         conv.Name,
		CreatedAt:    conv.CreatedAt,
		Participants: make([]UserView, 0, len(conv.Participants)),
	}
	for _, p := range conv.Participants {
		s.Participants = append(s.Participants, ViewOfUser(p))
	}

	// A direct conversation is displayed under the other participant's name.
	if !conv.IsGroup {
		for _, p := range conv.Participants {
			if p.ID != viewer.ID {
				s.Name = p.Name
				break
			}
		}
	}

	last, ok, err := e.msgs.LastMessage(ctx, conv.ID)
	if err != nil {
		return ConversationSummary{}, err
	}
	if ok {
		senders, err := e.senderIndex(ctx, conv, []Message{last})
		if err != nil {
			return ConversationSummary{}, err
		}
		v := viewOfMessage(last, senders[last.SenderID])
		s.LastMessage = &v
	}

	unread, err := e.msgs.CountUnread(ctx, conv.ID)
	if err != nil {
		return ConversationSummary{}, err
	}
	s.UnreadCount = unread

	return s, nil
}

// senderIndex maps sender ids to users, preferring the already materialized
// participant list and falling back to the directory for senders that have
// since left the conversation.
func (e *Engine) senderIndex(ctx context.Context, conv Conversation, msgs []Message) (map[string]User, error) {
	idx := make(map[string]User, len(conv.Participants))
	for _, p := range conv.Participants {
		idx[p.ID] = p
	}

	var missing []string
	for _, m := range msgs {
		if _, ok := idx[m.SenderID]; !ok {
			missing = append(missing, m.SenderID)
		}
	}
	if len(missing) > 0 {
		extra, err := e.users.UsersByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, u := range extra {
			idx[u.ID] = u
		}
	}
	return idx, nil
}
