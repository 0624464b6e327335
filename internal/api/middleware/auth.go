// Bearer authentication for /api/v1/*.
// Reads Authorization: Bearer <token>, resolves it to an identity, injects it into context.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/matiasleandrokruk/chatrelay/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/chat"
	pkgauth "github.com/matiasleandrokruk/chatrelay/pkg/auth"
)

// Auth validates the Bearer token with v and injects ctxkeys.Identity.
//
// Flow:
//  1. Read "Authorization: Bearer <token>" header
//  2. Reject if missing or not Bearer scheme → 401
//  3. Verify (JWT or API key) → 401 on any failure
//  4. Inject ctxkeys.Identity into context and call next
func Auth(v pkgauth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, chat.CodeInvalidCredential, "missing or invalid Authorization header")
				return
			}

			identity, err := v.Verify(r.Context(), token)
			if err != nil {
				log.Debug().Str("component", "auth").Str("path", r.URL.Path).Msg("credential rejected")
				writeJSONError(w, http.StatusUnauthorized, chat.CodeInvalidCredential, "invalid credential")
				return
			}

			noteIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithValue(r.Context(), ctxkeys.Identity, identity)))
		})
	}
}

// RequireAdmin rejects callers for which isAdmin is false with 403. Must run after Auth.
func RequireAdmin(isAdmin func(identity string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := ctxkeys.IdentityFrom(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, chat.CodeInvalidCredential, "missing identity")
				return
			}
			if isAdmin == nil || !isAdmin(identity) {
				writeJSONError(w, http.StatusForbidden, chat.CodeForbidden, "admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
// Returns empty string if header is missing, wrong scheme, or token is empty.
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	// case-sensitive per RFC 7235
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// writeJSONError writes the same {"error","code"} body the handlers use.
func writeJSONError(w http.ResponseWriter, status int, code chat.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": string(code)}) //nolint:errcheck
}
