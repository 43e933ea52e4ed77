package webserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/metrics"
)

// Identity headers set by the fronting auth layer.
const (
	HeaderParticipantID   = "X-Participant-ID"
	HeaderParticipantRole = "X-Participant-Role"
	HeaderParticipantName = "X-Participant-Name"
)

// Identity is the verified caller of a request.
type Identity struct {
	ID   string
	Role string
	Name string
}

type identityKey struct{}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// requireIdentity rejects requests without a participant id and a known role.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{
			ID:   r.Header.Get(HeaderParticipantID),
			Role: r.Header.Get(HeaderParticipantRole),
			Name: r.Header.Get(HeaderParticipantName),
		}
		if id.ID == "" || (id.Role != db.RoleRequester && id.Role != db.RoleResponder) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing participant identity"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// requireRole restricts a route to one role.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identityFrom(r.Context()).Role != role {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "only a " + role + " may do this", Code: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request with zerolog.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// recordMetrics labels requests by route pattern to bound cardinality.
// chi's wrapper keeps Flusher and Hijacker available to SSE and WebSocket.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
