// Handler helpers: identity lookup, JSON responses, error mapping and query parsing.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/matiasleandrokruk/chatrelay/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/chat"
)

const (
	headerContentType = "Content-Type"
	mimeJSON          = "application/json"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var errNoIdentity = errors.New("identity not found in context")

// getIdentity retrieves the caller identity injected by the auth middleware.
func getIdentity(r *http.Request) (string, error) {
	id, ok := ctxkeys.IdentityFrom(r.Context())
	if !ok {
		return "", errNoIdentity
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(headerContentType, mimeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "http").Msg("encode response")
	}
}

// writeError writes {"error": message, "code": code}.
func writeError(w http.ResponseWriter, status int, code chat.Code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}

// writeChatError maps a domain error to its status and caller-safe body.
func writeChatError(w http.ResponseWriter, err error) {
	code := chat.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "http").Str("code", string(code)).Msg("request failed")
	}
	writeError(w, status, code, chat.MessageOf(err))
}

// statusFor maps an error code to its HTTP status.
func statusFor(code chat.Code) int {
	switch code {
	case chat.CodeInvalidCredential:
		return http.StatusUnauthorized
	case chat.CodeForbidden:
		return http.StatusForbidden
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeUnsupportedModel, chat.CodeInvalidParameter:
		return http.StatusBadRequest
	case chat.CodeTooLong:
		return http.StatusRequestEntityTooLarge
	case chat.CodeRateLimited:
		return http.StatusTooManyRequests
	case chat.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseLimit reads ?limit=, clamped to (0, maxListLimit].
func parseLimit(r *http.Request) int {
	limit := defaultListLimit
	if lim, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && lim > 0 {
		if lim > maxListLimit {
			lim = maxListLimit
		}
		limit = lim
	}
	return limit
}
