package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tejzpr/vetlink/internal/chat"
	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/manager"
	"github.com/tejzpr/vetlink/internal/metrics"
	"github.com/tejzpr/vetlink/internal/presence"
	"github.com/tejzpr/vetlink/internal/signaling"
)

const healthMagic = "vetlink-ok"

// Deps are the components served over HTTP.
type Deps struct {
	Store     *db.Store
	Manager   *manager.Manager
	Broker    *manager.Broker
	Presence  presence.Tracker
	Chat      *chat.Relay
	Signaling *signaling.Relay
	Logger    zerolog.Logger
}

// Server exposes the coordinator over REST, SSE and WebSocket.
type Server struct {
	store     *db.Store
	manager   *manager.Manager
	broker    *manager.Broker
	presence  presence.Tracker
	chat      *chat.Relay
	signaling *signaling.Relay
	log       zerolog.Logger

	// presenceMu orders broker subscription changes with presence writes.
	presenceMu sync.Mutex
}

// New creates a Server.
func New(d Deps) *Server {
	return &Server{
		store:     d.Store,
		manager:   d.Manager,
		broker:    d.Broker,
		presence:  d.Presence,
		chat:      d.Chat,
		signaling: d.Signaling,
		log:       d.Logger.With().Str("component", "webserver").Logger(),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderParticipantID, HeaderParticipantRole, HeaderParticipantName},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireIdentity)

		r.Get("/api/events", s.handleSSE)
		r.Get("/ws", s.handleWebSocket)

		r.Route("/api/consultations", func(r chi.Router) {
			r.With(requireRole(db.RoleRequester)).Post("/", s.handleCreate)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.With(requireRole(db.RoleResponder)).Post("/{id}/claim", s.handleClaim)
			r.With(requireRole(db.RoleRequester)).Post("/{id}/cancel", s.handleCancel)
			r.Post("/{id}/close", s.handleClose)
			r.Get("/{id}/messages", s.handleHistory)
			r.Post("/{id}/messages", s.handlePostMessage)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": healthMagic})
}

// subscribe opens a notification stream for id. Responders become present
// with their first stream.
func (s *Server) subscribe(ctx context.Context, id Identity) chan manager.Event {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	ch, first := s.broker.Subscribe(id.ID)
	if id.Role == db.RoleResponder {
		metrics.ConnectedResponders.Inc()
		if first {
			if err := s.presence.MarkConnected(ctx, id.ID); err != nil {
				s.log.Warn().Err(err).Str("responder_id", id.ID).Msg("failed to mark responder connected")
			}
		}
	}
	return ch
}

// unsubscribe closes ch. Responders become absent with their last stream.
func (s *Server) unsubscribe(id Identity, ch chan manager.Event) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	none := s.broker.Unsubscribe(id.ID, ch)
	if id.Role == db.RoleResponder {
		metrics.ConnectedResponders.Dec()
		if none {
			if err := s.presence.MarkDisconnected(context.Background(), id.ID); err != nil {
				s.log.Warn().Err(err).Str("responder_id", id.ID).Msg("failed to mark responder disconnected")
			}
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorStatus maps domain errors to an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, db.ErrAlreadyClaimed):
		return http.StatusConflict, "already_taken"
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, db.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, db.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, db.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, db.ErrTransient):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	switch code {
	case "already_taken":
		msg = db.ErrAlreadyClaimed.Error()
	case "internal":
		s.log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
