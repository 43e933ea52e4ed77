// Package signaling routes media-negotiation envelopes between the two
// participants of an active consultation. Envelopes are never stored or
// inspected.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/metrics"
)

// Kind tags an envelope.
type Kind string

const (
	KindOffer       Kind = "offer"
	KindAnswer      Kind = "answer"
	KindNetworkPath Kind = "network-path"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindNetworkPath:
		return true
	}
	return false
}

// Envelope is relayed unmodified. From is set by the relay.
type Envelope struct {
	ConsultationID string          `json:"consultationId"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	From           string          `json:"from"`
}

// Why a stream was closed.
const (
	ClosedLeft     = "left"
	ClosedReplaced = "replaced"
	ClosedEnded    = "ended"
)

// Stream delivers envelopes sent by the peer. C is closed when the stream
// is torn down; Reason is valid after that.
type Stream struct {
	ConsultationID string
	ParticipantID  string
	C              <-chan Envelope

	ch     chan Envelope
	reason string
}

// Reason reports why C was closed. Only call it after C is closed.
func (s *Stream) Reason() string {
	return s.reason
}

// Consultations is the read side of the consultation store.
type Consultations interface {
	GetConsultation(ctx context.Context, id string) (*db.Consultation, error)
}

// Activity records relay traffic against the idle timeout.
type Activity interface {
	Touch(ctx context.Context, id string) error
}

// Relay is the signaling routing table: at most one stream per participant
// and at most two participants per consultation.
type Relay struct {
	consultations Consultations
	activity      Activity
	buffer        int
	log           zerolog.Logger

	mu    sync.Mutex
	pairs map[string]map[string]*Stream
}

// NewRelay creates a signaling relay. activity may be nil.
func NewRelay(consultations Consultations, activity Activity, buffer int, logger zerolog.Logger) *Relay {
	if buffer <= 0 {
		buffer = 32
	}
	return &Relay{
		consultations: consultations,
		activity:      activity,
		buffer:        buffer,
		log:           logger.With().Str("component", "signaling").Logger(),
		pairs:         make(map[string]map[string]*Stream),
	}
}

// Join opens participantID's stream for a consultation. A participant
// rejoining replaces its previous stream.
func (r *Relay) Join(ctx context.Context, consultationID, participantID string) (*Stream, error) {
	// Read under r.mu. End runs after the terminal transition and takes the
	// same lock, so either End sees this stream or Join sees the new status.
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.consultations.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if c.Status != db.StatusActive || !c.IsParticipant(participantID) {
		return nil, db.ErrForbidden
	}

	peers, ok := r.pairs[consultationID]
	if !ok {
		peers = make(map[string]*Stream, 2)
		r.pairs[consultationID] = peers
	}
	if old, ok := peers[participantID]; ok {
		closeStream(old, ClosedReplaced)
	} else if len(peers) >= 2 {
		return nil, db.ErrForbidden
	}

	ch := make(chan Envelope, r.buffer)
	s := &Stream{ConsultationID: consultationID, ParticipantID: participantID, C: ch, ch: ch}
	peers[participantID] = s

	r.log.Debug().
		Str("consultation_id", consultationID).
		Str("participant_id", participantID).
		Int("joined", len(peers)).
		Msg("joined signaling")
	return s, nil
}

// Leave closes s. It is a no-op if s was already replaced or torn down.
func (r *Relay) Leave(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.pairs[s.ConsultationID]
	if cur, ok := peers[s.ParticipantID]; ok && cur == s {
		delete(peers, s.ParticipantID)
		closeStream(s, ClosedLeft)
	}
	if len(peers) == 0 {
		delete(r.pairs, s.ConsultationID)
	}
}

// Relay forwards env from sender to the other joined participant. With no
// peer joined, or a peer that is not keeping up, the envelope is dropped.
func (r *Relay) Relay(ctx context.Context, senderID string, env Envelope) error {
	if !env.Kind.Valid() {
		return fmt.Errorf("%w: unknown signaling kind %q", db.ErrInvalidInput, env.Kind)
	}
	env.From = senderID

	r.mu.Lock()
	peers := r.pairs[env.ConsultationID]
	if _, joined := peers[senderID]; !joined {
		r.mu.Unlock()
		return db.ErrForbidden
	}
	delivered := false
	for id, s := range peers {
		if id == senderID {
			continue
		}
		select {
		case s.ch <- env:
			delivered = true
		default:
		}
	}
	r.mu.Unlock()

	if delivered {
		metrics.SignalingEnvelopes.WithLabelValues(string(env.Kind), "relayed").Inc()
	} else {
		metrics.SignalingEnvelopes.WithLabelValues(string(env.Kind), "dropped").Inc()
	}

	if r.activity != nil {
		if err := r.activity.Touch(ctx, env.ConsultationID); err != nil {
			r.log.Warn().Err(err).Str("consultation_id", env.ConsultationID).Msg("failed to record activity")
		}
	}
	return nil
}

// Hangup ends the call on behalf of a joined participant. The peer's
// stream closes with ClosedEnded.
func (r *Relay) Hangup(consultationID, participantID string) error {
	r.mu.Lock()
	_, joined := r.pairs[consultationID][participantID]
	r.mu.Unlock()
	if !joined {
		return db.ErrForbidden
	}
	r.End(consultationID)
	return nil
}

// End tears down the pairing of a consultation. It is idempotent.
func (r *Relay) End(consultationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.pairs[consultationID]
	if !ok {
		return
	}
	for _, s := range peers {
		closeStream(s, ClosedEnded)
	}
	delete(r.pairs, consultationID)
	r.log.Debug().Str("consultation_id", consultationID).Msg("signaling pair ended")
}

func closeStream(s *Stream, reason string) {
	s.reason = reason
	close(s.ch)
}
