package db

import (
	"time"
)

// Status is the lifecycle state of a consultation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusClosed   Status = "closed"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

// Roles supplied by the identity layer.
const (
	RoleRequester = "requester"
	RoleResponder = "responder"
)

// Location is informational only; distances arrive precomputed.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Consultation struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	RequesterID    string     `json:"requester_id" gorm:"index:idx_requester_status;not null"`
	RequesterName  string     `json:"requester_name" gorm:"not null;default:''"`
	ResponderID    *string    `json:"responder_id" gorm:"index:idx_responder_status"`
	SymptomText    string     `json:"symptom" gorm:"type:text;not null"`
	MobileNumber   string     `json:"mobile_number" gorm:"not null;default:''"`
	AnimalID       string     `json:"animal_id,omitempty" gorm:"not null;default:''"`
	Origin         Location   `json:"location" gorm:"embedded;embeddedPrefix:origin_"`
	RadiusMeters   int        `json:"radius_meters" gorm:"not null;default:25000"`
	Notes          string     `json:"notes,omitempty" gorm:"type:text"`
	Status         Status     `json:"status" gorm:"default:pending;not null;index:idx_requester_status;index:idx_responder_status;index:idx_status_created"`
	LastSeq        int64      `json:"-" gorm:"not null;default:0"`
	CreatedAt      time.Time  `json:"created_at" gorm:"index:idx_status_created"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcceptedAt     *time.Time `json:"accepted_at"`
	ClosedAt       *time.Time `json:"closed_at"`
	LastActivityAt time.Time  `json:"last_activity_at" gorm:"index"`
}

// IsParticipant reports whether id is the requester or the assigned responder.
func (c *Consultation) IsParticipant(id string) bool {
	if id == "" {
		return false
	}
	if c.RequesterID == id {
		return true
	}
	return c.ResponderID != nil && *c.ResponderID == id
}

// Peer returns the other participant, or "" when there is none yet.
func (c *Consultation) Peer(id string) string {
	if c.RequesterID == id {
		if c.ResponderID != nil {
			return *c.ResponderID
		}
		return ""
	}
	if c.ResponderID != nil && *c.ResponderID == id {
		return c.RequesterID
	}
	return ""
}

// Candidate is a responder offered to a consultation at creation time.
// Notified records whether the responder was connected and was pushed the
// request.
type Candidate struct {
	ID             uint      `json:"-" gorm:"primaryKey"`
	ConsultationID string    `json:"consultation_id" gorm:"size:36;not null;uniqueIndex:idx_candidate"`
	ResponderID    string    `json:"responder_id" gorm:"not null;uniqueIndex:idx_candidate"`
	DistanceMeters float64   `json:"distance_meters"`
	Notified       bool      `json:"notified" gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatMessage is immutable once stored. Seq is the total order within a
// consultation, starting at 1.
type ChatMessage struct {
	ID             string    `json:"id" gorm:"primaryKey;size:26" bson:"_id"`
	ConsultationID string    `json:"consultation_id" gorm:"size:36;not null;uniqueIndex:idx_chat_seq" bson:"consultation_id"`
	Seq            int64     `json:"seq" gorm:"not null;uniqueIndex:idx_chat_seq" bson:"seq"`
	SenderID       string    `json:"sender_id" gorm:"not null" bson:"sender_id"`
	SenderRole     string    `json:"sender_role" gorm:"not null" bson:"sender_role"`
	Text           string    `json:"text" gorm:"type:text;not null" bson:"text"`
	SentAt         time.Time `json:"sent_at" bson:"sent_at"`
}
