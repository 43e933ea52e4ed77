package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// Store is the Consultation Store. Status and ResponderID are only ever
// changed through conditional updates keyed on the current status.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened and migrated database.
func NewStore(d *gorm.DB) *Store {
	return &Store{db: d}
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateConsultation inserts a pending consultation together with its
// candidate ledger.
func (s *Store) CreateConsultation(ctx context.Context, c *Consultation, candidates []Candidate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return fmt.Errorf("failed to create consultation: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}
		for i := range candidates {
			candidates[i].ConsultationID = c.ID
		}
		if err := tx.Create(&candidates).Error; err != nil {
			return fmt.Errorf("failed to record candidates: %w", err)
		}
		return nil
	})
}

// GetConsultation fetches one consultation by id.
func (s *Store) GetConsultation(ctx context.Context, id string) (*Consultation, error) {
	var c Consultation
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch consultation: %w", err)
	}
	return &c, nil
}

// ListByRequester returns a requester's consultations, newest first.
func (s *Store) ListByRequester(ctx context.Context, requesterID string) ([]Consultation, error) {
	var out []Consultation
	err := s.db.WithContext(ctx).
		Where("requester_id = ?", requesterID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// ListByResponder returns consultations claimed by a responder, newest first.
func (s *Store) ListByResponder(ctx context.Context, responderID string) ([]Consultation, error) {
	var out []Consultation
	err := s.db.WithContext(ctx).
		Where("responder_id = ?", responderID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// Candidates returns the candidate ledger of a consultation.
func (s *Store) Candidates(ctx context.Context, consultationID string) ([]Candidate, error) {
	var out []Candidate
	err := s.db.WithContext(ctx).
		Where("consultation_id = ?", consultationID).
		Order("distance_meters ASC").
		Find(&out).Error
	return out, err
}

// Claim assigns responderID to a pending, unassigned consultation created
// after notBefore. It is a single conditional UPDATE: exactly one concurrent
// caller can match the WHERE clause. The update and the read of the result
// share a transaction, so a failed read leaves the consultation pending.
// A repeat claim by the assigned responder returns ErrAlreadyAssigned.
func (s *Store) Claim(ctx context.Context, id, responderID string, at, notBefore time.Time) (*Consultation, error) {
	var claimed *Consultation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Consultation{}).
			Where("id = ? AND status = ? AND responder_id IS NULL AND created_at > ?", id, StatusPending, notBefore).
			Updates(map[string]interface{}{
				"responder_id":     responderID,
				"status":           StatusActive,
				"accepted_at":      &at,
				"last_activity_at": at,
				"updated_at":       at,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to claim consultation: %w", result.Error)
		}

		var c Consultation
		err := tx.First(&c, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read claimed consultation: %w", err)
		}
		if result.RowsAffected == 1 {
			claimed = &c
			return nil
		}

		switch c.Status {
		case StatusPending:
			return ErrPendingExpired
		case StatusActive:
			if c.ResponderID != nil && *c.ResponderID == responderID {
				return ErrAlreadyAssigned
			}
			return ErrAlreadyClaimed
		default:
			return fmt.Errorf("%w: consultation is %s", ErrInvalidState, c.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Transition moves a consultation from one status to another. It reports
// false when the consultation was not in status from.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	if to.Terminal() {
		updates["closed_at"] = &at
	}
	result := s.db.WithContext(ctx).Model(&Consultation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update consultation: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Touch records chat or signaling activity on an active consultation.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Consultation{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Update("last_activity_at", at).Error
}

// ExpiredPending lists pending consultations created at or before cutoff.
func (s *Store) ExpiredPending(ctx context.Context, cutoff time.Time) ([]Consultation, error) {
	var out []Consultation
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", StatusPending, cutoff).
		Find(&out).Error
	return out, err
}

// IdleActive lists active consultations without activity since cutoff.
func (s *Store) IdleActive(ctx context.Context, cutoff time.Time) ([]Consultation, error) {
	var out []Consultation
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_activity_at <= ?", StatusActive, cutoff).
		Find(&out).Error
	return out, err
}

// AppendMessage stores msg with the next sequence position of its
// consultation. The consultation must be active.
func (s *Store) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Consultation{}).
			Where("id = ? AND status = ?", msg.ConsultationID, StatusActive).
			Updates(map[string]interface{}{
				"last_seq":         gorm.Expr("last_seq + 1"),
				"last_activity_at": msg.SentAt,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to allocate sequence: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&Consultation{}).Where("id = ?", msg.ConsultationID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrInvalidState
		}

		var c Consultation
		if err := tx.Select("last_seq").First(&c, "id = ?", msg.ConsultationID).Error; err != nil {
			return err
		}
		msg.Seq = c.LastSeq

		// sent_at never goes backwards within a consultation.
		if msg.Seq > 1 {
			var prev ChatMessage
			err := tx.Select("sent_at").
				Where("consultation_id = ? AND seq = ?", msg.ConsultationID, msg.Seq-1).
				First(&prev).Error
			if err == nil && prev.SentAt.After(msg.SentAt) {
				msg.SentAt = prev.SentAt
			}
		}

		if msg.ID == "" {
			msg.ID = ulid.Make().String()
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}
		return nil
	})
}

// History returns every stored message of a consultation in sequence order.
func (s *Store) History(ctx context.Context, consultationID string) ([]ChatMessage, error) {
	var out []ChatMessage
	err := s.db.WithContext(ctx).
		Where("consultation_id = ?", consultationID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}
