package webserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/manager"
)

type createBody struct {
	Symptom              string              `json:"symptom"`
	MobileNumber         string              `json:"mobileNumber"`
	Location             db.Location         `json:"location"`
	AnimalID             string              `json:"animalId"`
	RadiusMeters         int                 `json:"radiusMeters"`
	Notes                string              `json:"notes"`
	Candidates           []manager.Candidate `json:"candidates"`
	SelectedResponderIDs []string            `json:"selectedResponderIds"`
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body", db.ErrInvalidInput)
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller := identityFrom(r.Context())
	var body createBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.manager.Create(r.Context(), manager.CreateInput{
		RequesterID:          caller.ID,
		RequesterName:        caller.Name,
		SymptomText:          body.Symptom,
		MobileNumber:         body.MobileNumber,
		AnimalID:             body.AnimalID,
		Notes:                body.Notes,
		Origin:               body.Location,
		RadiusMeters:         body.RadiusMeters,
		Candidates:           body.Candidates,
		SelectedResponderIDs: body.SelectedResponderIDs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller := identityFrom(r.Context())
	role := r.URL.Query().Get("role")
	if role == "" {
		role = caller.Role
	}
	if role != db.RoleRequester && role != db.RoleResponder {
		s.writeError(w, r, fmt.Errorf("%w: unknown role %q", db.ErrInvalidInput, role))
		return
	}

	list, err := s.manager.List(r.Context(), caller.ID, role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []db.Consultation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.Get(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.Claim(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cancel(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Close(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.chat.History(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []db.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.chat.Post(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).ID, body.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
