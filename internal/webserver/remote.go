package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tejzpr/vetlink/internal/db"
)

// Client talks to a running vetlink server over its REST API on behalf of
// a participant.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health reports whether the server is reachable and its store is up.
func (c *Client) Health(ctx context.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/health", Identity{}, &body); err != nil {
		return err
	}
	if body.Status != healthMagic {
		return fmt.Errorf("unexpected health status %q", body.Status)
	}
	return nil
}

// GetConsultation fetches a consultation as participantID.
func (c *Client) GetConsultation(ctx context.Context, id, participantID, role string) (*db.Consultation, error) {
	var out db.Consultation
	path := "/api/consultations/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, Identity{ID: participantID, Role: role}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConsultations lists the consultations participantID takes part in
// under role.
func (c *Client) ListConsultations(ctx context.Context, participantID, role string) ([]db.Consultation, error) {
	var out []db.Consultation
	path := "/api/consultations?role=" + url.QueryEscape(role)
	if err := c.do(ctx, http.MethodGet, path, Identity{ID: participantID, Role: role}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CloseConsultation closes a consultation as participantID.
func (c *Client) CloseConsultation(ctx context.Context, id, participantID, role string) error {
	path := "/api/consultations/" + url.PathEscape(id) + "/close"
	return c.do(ctx, http.MethodPost, path, Identity{ID: participantID, Role: role}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, caller Identity, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if caller.ID != "" {
		req.Header.Set(HeaderParticipantID, caller.ID)
		req.Header.Set(HeaderParticipantRole, caller.Role)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return remoteError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// remoteError restores the domain sentinel behind an error response.
func remoteError(status int, body errorBody) error {
	var sentinel error
	switch body.Code {
	case "not_found":
		sentinel = db.ErrNotFound
	case "forbidden":
		sentinel = db.ErrForbidden
	case "already_taken":
		return db.ErrAlreadyClaimed
	case "invalid_state":
		sentinel = db.ErrInvalidState
	case "invalid_input":
		sentinel = db.ErrInvalidInput
	case "unavailable":
		sentinel = db.ErrTransient
	default:
		if body.Error == "" {
			body.Error = http.StatusText(status)
		}
		return fmt.Errorf("server returned status %d: %s", status, body.Error)
	}
	return fmt.Errorf("%w: %s", sentinel, body.Error)
}
