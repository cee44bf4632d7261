package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gapshap/internal/ids"
)

// Integration tests are opt-in and require GAPSHAP_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_ResolveUser_Upsert(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	s := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, err := s.ResolveUser(ctx, Identity{AuthID: "auth-1", Name: "Old", Email: "old@example.com"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	second, err := s.ResolveUser(ctx, Identity{AuthID: "auth-1", Name: "New", Email: "new@example.com"})
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert changed id: %q vs %q", second.ID, first.ID)
	}
	if second.Name != "New" || second.Email != "new@example.com" {
		t.Fatalf("claims not refreshed: %+v", second)
	}
}

func TestPostgresStore_DirectConversationRoundTrip(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	s := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := s.ResolveUser(ctx, Identity{AuthID: "auth-a", Name: "A"})
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	b, err := s.ResolveUser(ctx, Identity{AuthID: "auth-b", Name: "B"})
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}

	if _, found, err := s.FindDirectConversation(ctx, a.ID, b.ID); err != nil || found {
		t.Fatalf("fresh pair: found=%v err=%v", found, err)
	}

	conv, err := s.CreateConversation(ctx, CreateConversationInput{
		ParticipantIDs: []string{a.ID, b.ID},
		Now:            time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(conv.Participants) != 2 {
		t.Fatalf("participants not materialized: %+v", conv)
	}

	got, found, err := s.FindDirectConversation(ctx, b.ID, a.ID)
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if got.ID != conv.ID {
		t.Fatalf("wrong conversation: %q vs %q", got.ID, conv.ID)
	}

	// Unknown participant must surface as not found via the FK.
	if _, err := s.CreateConversation(ctx, CreateConversationInput{
		ParticipantIDs: []string{a.ID, "ghost"},
	}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStore_MessagesPagingAndRead(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	s := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := s.ResolveUser(ctx, Identity{AuthID: "auth-a", Name: "A"})
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	b, err := s.ResolveUser(ctx, Identity{AuthID: "auth-b", Name: "B"})
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}

	conv, err := s.CreateConversation(ctx, CreateConversationInput{ParticipantIDs: []string{a.ID, b.ID}})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	var seeded []Message
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID,
			SenderID:       a.ID,
			Content:        fmt.Sprintf("m%d", i),
			Now:            base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		seeded = append(seeded, m)
	}

	page0, err := s.ListMessagePage(ctx, conv.ID, 0, 2)
	if err != nil {
		t.Fatalf("page 0: %v", err)
	}
	if len(page0) != 2 || page0[0].ID != seeded[4].ID || page0[1].ID != seeded[3].ID {
		t.Fatalf("unexpected page 0: %+v", page0)
	}

	last, ok, err := s.LastMessage(ctx, conv.ID)
	if err != nil || !ok || last.ID != seeded[4].ID {
		t.Fatalf("last message: ok=%v err=%v got=%+v", ok, err, last)
	}

	unread, err := s.CountUnread(ctx, conv.ID)
	if err != nil || unread != 5 {
		t.Fatalf("unread=%d err=%v", unread, err)
	}

	// B reads everything A sent; A reading flips nothing of their own.
	if n, err := s.MarkRead(ctx, conv.ID, a.ID); err != nil || n != 0 {
		t.Fatalf("reader-own mark read: n=%d err=%v", n, err)
	}
	if n, err := s.MarkRead(ctx, conv.ID, b.ID); err != nil || n != 5 {
		t.Fatalf("mark read: n=%d err=%v", n, err)
	}
	if unread, _ = s.CountUnread(ctx, conv.ID); unread != 0 {
		t.Fatalf("unread after read=%d", unread)
	}
}

// ---- helpers ----

func mustNewChatStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()
	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("GAPSHAP_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: GAPSHAP_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse GAPSHAP_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (GAPSHAP_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "gapshap_it_" + strings.ToLower(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyChatSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ident := func(table string) string { return pgx.Identifier{schema, table}.Sanitize() }

	users := ident("users")
	convs := ident("conversations")
	parts := ident("conversation_participants")
	msgs := ident("messages")

	schemaSQL := fmt.Sprintf(`
CREATE TABLE %s (
  id TEXT PRIMARY KEY,
  auth_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  picture_url TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE %s (
  id TEXT PRIMARY KEY,
  is_group BOOLEAN NOT NULL DEFAULT FALSE,
  name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE %s (
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE %s (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  sender_id TEXT NOT NULL REFERENCES %s(id),
  content TEXT NOT NULL,
  sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  is_read BOOLEAN NOT NULL DEFAULT FALSE
);
`, users, convs, parts, convs, users, msgs, convs, users)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
