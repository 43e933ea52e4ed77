package manager

import (
	"time"

	"github.com/tejzpr/vetlink/internal/db"
)

// EventType names an outbound notification pushed to one user.
type EventType string

const (
	EventConsultationRequest  EventType = "consultation-request"
	EventConsultationAccepted EventType = "consultation-accepted"
	EventConsultationClosed   EventType = "consultation-closed"
	EventConsultationUpdate   EventType = "consultation-update"
)

// Event is the envelope delivered on a user's notification stream.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// CandidateNotification is pushed to each connected candidate at creation.
// It is logically void once the consultation leaves pending.
type CandidateNotification struct {
	ConsultationID string      `json:"consultationId"`
	RequesterName  string      `json:"requesterName"`
	DistanceMeters float64     `json:"distanceMeters"`
	DistanceKm     float64     `json:"distanceKm"`
	SymptomText    string      `json:"symptom"`
	Location       db.Location `json:"location"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Reasons carried by ConsultationClosed.
const (
	ReasonClaimed   = "claimed"
	ReasonCancelled = "cancelled"
	ReasonEnded     = "ended"
	ReasonTimeout   = "timeout"
	ReasonIdle      = "idle"
)

// ConsultationClosed retracts a pending request or announces termination.
type ConsultationClosed struct {
	ConsultationID string `json:"consultationId"`
	Reason         string `json:"reason"`
	Message        string `json:"message,omitempty"`
}

// ConsultationAccepted tells the requester who was assigned.
type ConsultationAccepted struct {
	ConsultationID string    `json:"consultationId"`
	ResponderID    string    `json:"responderId"`
	AcceptedAt     time.Time `json:"acceptedAt"`
}

// ConsultationUpdate is sent to both participants on every transition.
type ConsultationUpdate struct {
	ConsultationID string    `json:"consultationId"`
	Status         db.Status `json:"status"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func closedEvent(id, reason string) Event {
	msg := ""
	switch reason {
	case ReasonClaimed:
		msg = "This consultation has already been taken by another responder"
	case ReasonTimeout:
		msg = "This consultation expired before anyone took it"
	case ReasonCancelled:
		msg = "The requester cancelled this consultation"
	}
	return Event{
		Type:    EventConsultationClosed,
		Payload: ConsultationClosed{ConsultationID: id, Reason: reason, Message: msg},
	}
}
