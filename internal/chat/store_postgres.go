package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gapshap/internal/ids"
)

// PostgresStore implements UserStore, ConversationStore, and MessageStore
// over PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool; the caller closes it.
// - Schema/table identifiers are validated and safely quoted.
//
// Consistency model:
// - Every read goes to the database; there is no in-process cache.
// - FindDirectConversation + CreateConversation is lookup-before-insert:
//   the duplicate-direct race is accepted, not closed by a constraint.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "gapshap").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "gapshap",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, name}.Sanitize()
}

const userColumns = `id, auth_id, name, email, picture_url, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.AuthID, &u.Name, &u.Email, &u.PictureURL, &u.CreatedAt)
	return u, err
}

// ---- UserStore ----

// ResolveUser upserts a user keyed on auth_id and returns the stored row.
func (s *PostgresStore) ResolveUser(ctx context.Context, ident Identity) (User, error) {
	const op = "chat.ResolveUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if strings.TrimSpace(ident.AuthID) == "" {
		return User{}, invalid(op, "missing external identity")
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("users")+` (id, auth_id, name, email, picture_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (auth_id) DO UPDATE
		    SET name = EXCLUDED.name,
		        email = EXCLUDED.email,
		        picture_url = EXCLUDED.picture_url
		 RETURNING `+userColumns,
		id, ident.AuthID, ident.Name, ident.Email, ident.PictureURL, now,
	)

	u, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// UserByID returns the user or ErrNotFound.
func (s *PostgresStore) UserByID(ctx context.Context, id string) (User, error) {
	const op = "chat.UserByID"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.table("users")+` WHERE id = $1`, id)

	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound(op, "user "+id)
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// UsersByIDs returns users for the given ids; unknown ids are skipped.
func (s *PostgresStore) UsersByIDs(ctx context.Context, userIDs []string) ([]User, error) {
	const op = "chat.UsersByIDs"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM `+s.table("users")+` WHERE id = ANY($1) ORDER BY id`,
		userIDs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

// SearchUsers matches query case-insensitively against name or email; an
// empty query returns all users.
func (s *PostgresStore) SearchUsers(ctx context.Context, query string) ([]User, error) {
	const op = "chat.SearchUsers"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		rows pgx.Rows
		err  error
	)
	query = strings.TrimSpace(query)
	if query == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+userColumns+` FROM `+s.table("users")+` ORDER BY created_at, id`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+userColumns+` FROM `+s.table("users")+`
			  WHERE name ILIKE $1 OR email ILIKE $1
			  ORDER BY created_at, id`,
			"%"+query+"%")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	out := make([]User, 0, 16)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- ConversationStore ----

// CreateConversation inserts the conversation and its participant rows in one
// transaction and returns it with participants materialized.
func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
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

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, is_group, name, created_at)
		 VALUES ($1, $2, $3, $4)`,
		id, in.IsGroup, in.Name, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	for _, uid := range in.ParticipantIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("conversation_participants")+` (conversation_id, user_id)
			 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, uid,
		); err != nil {
			if isForeignKeyViolation(err) {
				return Conversation{}, notFound(op, "participant "+uid)
			}
			return Conversation{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	return s.ConversationByID(ctx, id)
}

// ConversationByID returns the conversation with participants materialized.
func (s *PostgresStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	const op = "chat.ConversationByID"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, is_group, name, created_at FROM `+s.table("conversations")+` WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.IsGroup, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation "+id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	parts, err := s.participantsFor(ctx, []string{c.ID})
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	c.Participants = parts[c.ID]
	return c, nil
}

// FindDirectConversation returns the non-group conversation containing both
// users, if one exists.
func (s *PostgresStore) FindDirectConversation(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	const op = "chat.FindDirectConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	participants := s.table("conversation_participants")

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT c.id
		   FROM `+s.table("conversations")+` c
		   JOIN `+participants+` p1 ON p1.conversation_id = c.id AND p1.user_id = $1
		   JOIN `+participants+` p2 ON p2.conversation_id = c.id AND p2.user_id = $2
		  WHERE NOT c.is_group
		  ORDER BY c.created_at, c.id
		  LIMIT 1`,
		userA, userB,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	c, err := s.ConversationByID(ctx, id)
	if err != nil {
		return Conversation{}, false, err
	}
	return c, true, nil
}

// ConversationsForUser returns every conversation the user participates in,
// participants materialized with a single follow-up query.
func (s *PostgresStore) ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	const op = "chat.ConversationsForUser"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.is_group, c.name, c.created_at
		   FROM `+s.table("conversations")+` c
		   JOIN `+s.table("conversation_participants")+` p ON p.conversation_id = c.id
		  WHERE p.user_id = $1
		  ORDER BY c.created_at, c.id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	convs := make([]Conversation, 0, 16)
	convIDs := make([]string, 0, 16)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		convs = append(convs, c)
		convIDs = append(convIDs, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(convs) == 0 {
		return convs, nil
	}

	parts, err := s.participantsFor(ctx, convIDs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for i := range convs {
		convs[i].Participants = parts[convs[i].ID]
	}
	return convs, nil
}

// participantsFor loads the participant users for a set of conversations.
func (s *PostgresStore) participantsFor(ctx context.Context, convIDs []string) (map[string][]User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.conversation_id, u.id, u.auth_id, u.name, u.email, u.picture_url, u.created_at
		   FROM `+s.table("conversation_participants")+` p
		   JOIN `+s.table("users")+` u ON u.id = p.user_id
		  WHERE p.conversation_id = ANY($1)
		  ORDER BY p.conversation_id, u.id`,
		convIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]User, len(convIDs))
	for rows.Next() {
		var convID string
		var u User
		if err := rows.Scan(&convID, &u.ID, &u.AuthID, &u.Name, &u.Email, &u.PictureURL, &u.CreatedAt); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], u)
	}
	return out, rows.Err()
}

// ---- MessageStore ----

const messageColumns = `id, conversation_id, sender_id, content, sent_at, is_read`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.SentAt, &m.IsRead)
	return m, err
}

// AppendMessage inserts a new message with a server-assigned id/timestamp.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.AppendMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (id, conversation_id, sender_id, content, sent_at, is_read)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		id, in.ConversationID, in.SenderID, in.Content, now,
	); err != nil {
		if isForeignKeyViolation(err) {
			return Message{}, notFound(op, "conversation "+in.ConversationID)
		}
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		SentAt:         now,
	}, nil
}

// ListMessagePage returns the page-th window ordered sent_at DESC, id DESC.
func (s *PostgresStore) ListMessagePage(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error) {
	const op = "chat.ListMessagePage"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 0 || pageSize <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		  ORDER BY sent_at DESC, id DESC
		  LIMIT $2 OFFSET $3`,
		conversationID, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, pageSize)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastMessage returns the single most recent message, if any.
func (s *PostgresStore) LastMessage(ctx context.Context, conversationID string) (Message, bool, error) {
	const op = "chat.LastMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		  ORDER BY sent_at DESC, id DESC
		  LIMIT 1`,
		conversationID)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return m, true, nil
}

// CountUnread counts unread messages in the conversation (store-level total).
func (s *PostgresStore) CountUnread(ctx context.Context, conversationID string) (int64, error) {
	const op = "chat.CountUnread"
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+s.table("messages")+`
		  WHERE conversation_id = $1 AND NOT is_read`,
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// MarkRead flips unread messages not sent by readerID; idempotent.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	const op = "chat.MarkRead"
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET is_read = TRUE
		  WHERE conversation_id = $1 AND NOT is_read AND sender_id <> $2`,
		conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
