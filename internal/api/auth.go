package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"gapshap/internal/chat"
)

type ctxKey uint8

const userKey ctxKey = iota

// userFrom returns the authenticated user placed on the context by
// RequireAuth.
func userFrom(ctx context.Context) (chat.User, bool) {
	u, ok := ctx.Value(userKey).(chat.User)
	return u, ok
}

// IdentityVerifier validates a bearer token and returns the identity claims.
type IdentityVerifier interface {
	Verify(token string) (chat.Identity, error)
}

// RequireAuth verifies the Authorization bearer token, upserts the caller's
// user record, and passes it downstream on the request context. Failures
// answer 401 with a plain-text body; the reason stays in the log.
func RequireAuth(log *slog.Logger, verifier IdentityVerifier, users chat.UserStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ident, err := verifier.Verify(token)
		if err != nil {
			log.Info("api.auth.reject", "path", r.URL.Path, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		u, err := users.ResolveUser(r.Context(), ident)
		if err != nil {
			log.Error("api.auth.resolve.fail", "auth_id", ident.AuthID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}

	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}

	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}
