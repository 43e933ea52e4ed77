// Package handler exposes consultation tools over MCP for operators and
// agents. Tools act on a running server through the REST API.
package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tejzpr/vetlink/internal/db"
)

// Backend is the subset of the REST client the tools use.
type Backend interface {
	GetConsultation(ctx context.Context, id, participantID, role string) (*db.Consultation, error)
	ListConsultations(ctx context.Context, participantID, role string) ([]db.Consultation, error)
	CloseConsultation(ctx context.Context, id, participantID, role string) error
}

// Tools implements the MCP tool handlers.
type Tools struct {
	backend Backend
}

func NewTools(b Backend) *Tools {
	return &Tools{backend: b}
}

// Register adds every tool to s.
func (t *Tools) Register(s *server.MCPServer) {
	roleOption := mcp.WithString("role",
		mcp.Description("Role of the participant: requester or responder (default requester)"),
		mcp.Enum(db.RoleRequester, db.RoleResponder),
	)

	s.AddTool(mcp.NewTool("get_consultation",
		mcp.WithDescription("Fetch one consultation as one of its participants."),
		mcp.WithString("consultation_id", mcp.Required(), mcp.Description("Consultation id")),
		mcp.WithString("participant_id", mcp.Required(), mcp.Description("Requester or assigned responder id")),
		roleOption,
	), t.GetConsultation)

	s.AddTool(mcp.NewTool("list_consultations",
		mcp.WithDescription("List a participant's consultations, newest first."),
		mcp.WithString("participant_id", mcp.Required(), mcp.Description("Participant id")),
		mcp.WithString("role", mcp.Required(),
			mcp.Description("requester lists created consultations, responder lists claimed ones"),
			mcp.Enum(db.RoleRequester, db.RoleResponder),
		),
	), t.ListConsultations)

	s.AddTool(mcp.NewTool("close_consultation",
		mcp.WithDescription("Close a consultation on behalf of a participant. Closing twice is a no-op."),
		mcp.WithString("consultation_id", mcp.Required(), mcp.Description("Consultation id")),
		mcp.WithString("participant_id", mcp.Required(), mcp.Description("Requester or assigned responder id")),
		roleOption,
	), t.CloseConsultation)
}

func (t *Tools) GetConsultation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("consultation_id")
	if err != nil {
		return mcp.NewToolResultError("consultation_id is required"), nil
	}
	participant, err := request.RequireString("participant_id")
	if err != nil {
		return mcp.NewToolResultError("participant_id is required"), nil
	}

	c, err := t.backend.GetConsultation(ctx, id, participant, request.GetString("role", db.RoleRequester))
	if err != nil {
		return toolError(err)
	}
	return jsonResult(c)
}

func (t *Tools) ListConsultations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	participant, err := request.RequireString("participant_id")
	if err != nil {
		return mcp.NewToolResultError("participant_id is required"), nil
	}
	role, err := request.RequireString("role")
	if err != nil || (role != db.RoleRequester && role != db.RoleResponder) {
		return mcp.NewToolResultError("role must be requester or responder"), nil
	}

	list, err := t.backend.ListConsultations(ctx, participant, role)
	if err != nil {
		return toolError(err)
	}
	if list == nil {
		list = []db.Consultation{}
	}
	return jsonResult(list)
}

func (t *Tools) CloseConsultation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("consultation_id")
	if err != nil {
		return mcp.NewToolResultError("consultation_id is required"), nil
	}
	participant, err := request.RequireString("participant_id")
	if err != nil {
		return mcp.NewToolResultError("participant_id is required"), nil
	}

	if err := t.backend.CloseConsultation(ctx, id, participant, request.GetString("role", db.RoleRequester)); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText("consultation " + id + " closed"), nil
}

// toolError reports domain failures to the caller as tool errors and
// everything else as a protocol error.
func toolError(err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, db.ErrForbidden),
		errors.Is(err, db.ErrInvalidState),
		errors.Is(err, db.ErrAlreadyClaimed),
		errors.Is(err, db.ErrInvalidInput),
		errors.Is(err, db.ErrTransient):
		return mcp.NewToolResultError(err.Error()), nil
	}
	return nil, err
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
