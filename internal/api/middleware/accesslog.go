package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AccessLog writes one structured line per request on chi's response wrapper.
// Auth runs further in, so it reports the identity back through a holder in context.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		holder := &identityHolder{}
		next.ServeHTTP(ww, r.WithContext(withIdentityHolder(r.Context(), holder)))

		status := ww.Status()
		if status == 0 {
			// hijacked (websocket) or nothing written
			status = http.StatusOK
		}
		ev := log.WithLevel(levelForStatus(status)).
			Str("component", "http").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context()))
		if holder.identity != "" {
			ev = ev.Str("identity", holder.identity)
		}
		ev.Msg("request")
	})
}

func levelForStatus(status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

type identityHolder struct{ identity string }

type holderKey struct{}

func withIdentityHolder(ctx context.Context, h *identityHolder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// noteIdentity reports the authenticated identity back to AccessLog, if it is installed.
func noteIdentity(ctx context.Context, identity string) {
	if h, ok := ctx.Value(holderKey{}).(*identityHolder); ok {
		h.identity = identity
	}
}
