// Package chat relays text messages between the two participants of an
// active consultation. Messages are stored before they are relayed, so a
// participant that misses a live delivery catches up from history on rejoin.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/metrics"
)

// MessageStore persists chat messages. Both the sqlite store and the mongo
// repository implement it.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *db.ChatMessage) error
	History(ctx context.Context, consultationID string) ([]db.ChatMessage, error)
}

// Consultations is the read side of the consultation store.
type Consultations interface {
	GetConsultation(ctx context.Context, id string) (*db.Consultation, error)
}

// Activity records relay traffic against the idle timeout.
type Activity interface {
	Touch(ctx context.Context, id string) error
}

// Options configures a Relay.
type Options struct {
	// Retries bounds storage retries per operation.
	Retries uint64
	// Buffer is the per-subscriber live message buffer.
	Buffer int
	Logger zerolog.Logger
	Now    func() time.Time
}

// Subscription is one participant's view of a room. History holds every
// message stored before the join; C carries everything after it. C is
// closed on Leave, on rejoin, when the room ends, or when the subscriber
// falls too far behind. A closed C means rejoin.
type Subscription struct {
	ConsultationID string
	ParticipantID  string
	History        []db.ChatMessage
	C              <-chan db.ChatMessage

	ch chan db.ChatMessage
}

type room struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// Relay is the chat relay.
type Relay struct {
	messages      MessageStore
	consultations Consultations
	activity      Activity

	retries uint64
	buffer  int
	now     func() time.Time
	log     zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRelay creates a chat relay. activity may be nil.
func NewRelay(messages MessageStore, consultations Consultations, activity Activity, opts Options) *Relay {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Relay{
		messages:      messages,
		consultations: consultations,
		activity:      activity,
		retries:       opts.Retries,
		buffer:        buffer,
		now:           now,
		log:           opts.Logger.With().Str("component", "chat").Logger(),
		rooms:         make(map[string]*room),
	}
}

func (r *Relay) room(id string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok && create {
		rm = &room{subs: make(map[string]*Subscription)}
		r.rooms[id] = rm
	}
	return rm
}

// dropIfEmpty removes rm from the room table when nobody is joined.
func (r *Relay) dropIfEmpty(id string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[id] != rm {
		return
	}
	rm.mu.Lock()
	empty := len(rm.subs) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, id)
	}
}

// Join subscribes participantID to the room of an active consultation it
// takes part in. A previous subscription of the same participant is
// replaced.
func (r *Relay) Join(ctx context.Context, consultationID, participantID string) (*Subscription, error) {
	rm := r.room(consultationID, true)
	sub, err := r.join(ctx, rm, consultationID, participantID)
	if err != nil {
		r.dropIfEmpty(consultationID, rm)
		return nil, err
	}
	return sub, nil
}

func (r *Relay) join(ctx context.Context, rm *room, consultationID, participantID string) (*Subscription, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, db.ErrForbidden
	}

	c, err := r.consultations.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if c.Status != db.StatusActive || !c.IsParticipant(participantID) {
		return nil, db.ErrForbidden
	}

	// History and registration happen under the room lock, so no message
	// can land between the replay and the live stream.
	var history []db.ChatMessage
	err = r.retry(ctx, func() error {
		var err error
		history, err = r.messages.History(ctx, consultationID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if old, ok := rm.subs[participantID]; ok {
		close(old.ch)
	}
	ch := make(chan db.ChatMessage, r.buffer)
	sub := &Subscription{
		ConsultationID: consultationID,
		ParticipantID:  participantID,
		History:        history,
		C:              ch,
		ch:             ch,
	}
	rm.subs[participantID] = sub

	r.log.Debug().
		Str("consultation_id", consultationID).
		Str("participant_id", participantID).
		Int("history", len(history)).
		Msg("joined chat")
	return sub, nil
}

// Leave unsubscribes sub. It is a no-op if sub was already replaced.
func (r *Relay) Leave(sub *Subscription) {
	rm := r.room(sub.ConsultationID, false)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if cur, ok := rm.subs[sub.ParticipantID]; ok && cur == sub {
		delete(rm.subs, sub.ParticipantID)
		close(sub.ch)
	}
	rm.mu.Unlock()
	r.dropIfEmpty(sub.ConsultationID, rm)
}

// Send stores a message and relays it to the other joined participants.
// The sender must be joined. The stored message, carrying its sequence
// position, is returned as the acknowledgement.
func (r *Relay) Send(ctx context.Context, consultationID, senderID, text string) (*db.ChatMessage, error) {
	return r.send(ctx, consultationID, senderID, text, true)
}

// Post is Send for callers without a live subscription, such as the HTTP
// API. Only participant and status checks apply.
func (r *Relay) Post(ctx context.Context, consultationID, senderID, text string) (*db.ChatMessage, error) {
	return r.send(ctx, consultationID, senderID, text, false)
}

// History returns the stored messages of a consultation to one of its
// participants, in any status.
func (r *Relay) History(ctx context.Context, consultationID, participantID string) ([]db.ChatMessage, error) {
	c, err := r.consultations.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(participantID) {
		return nil, db.ErrForbidden
	}
	var history []db.ChatMessage
	err = r.retry(ctx, func() error {
		var err error
		history, err = r.messages.History(ctx, consultationID)
		return err
	})
	return history, err
}

func (r *Relay) send(ctx context.Context, consultationID, senderID, text string, requireJoin bool) (*db.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message text is required", db.ErrInvalidInput)
	}

	c, err := r.consultations.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(senderID) {
		return nil, db.ErrForbidden
	}
	if c.Status != db.StatusActive {
		return nil, fmt.Errorf("%w: consultation is %s", db.ErrInvalidState, c.Status)
	}

	rm := r.room(consultationID, !requireJoin)
	if rm == nil {
		return nil, db.ErrForbidden
	}
	if !requireJoin {
		defer r.dropIfEmpty(consultationID, rm)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, fmt.Errorf("%w: consultation has ended", db.ErrInvalidState)
	}
	if _, joined := rm.subs[senderID]; requireJoin && !joined {
		return nil, db.ErrForbidden
	}

	// Not every MessageStore checks status on append. End runs after the
	// terminal transition and waits for the room lock, so re-reading here
	// keeps appends from landing after the consultation ended.
	cur, err := r.consultations.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if cur.Status != db.StatusActive {
		return nil, fmt.Errorf("%w: consultation is %s", db.ErrInvalidState, cur.Status)
	}

	role := db.RoleResponder
	if c.RequesterID == senderID {
		role = db.RoleRequester
	}
	msg := &db.ChatMessage{
		ConsultationID: consultationID,
		SenderID:       senderID,
		SenderRole:     role,
		Text:           text,
	}
	err = r.retry(ctx, func() error {
		msg.Seq = 0
		msg.SentAt = r.now()
		return r.messages.AppendMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	metrics.ChatMessagesStored.Inc()

	for id, sub := range rm.subs {
		if id == senderID {
			continue
		}
		select {
		case sub.ch <- *msg:
		default:
			// Evicted subscribers rejoin and replay history without gaps.
			delete(rm.subs, id)
			close(sub.ch)
			r.log.Warn().
				Str("consultation_id", consultationID).
				Str("participant_id", id).
				Msg("chat subscriber too slow, evicted")
		}
	}

	if r.activity != nil {
		if err := r.activity.Touch(ctx, consultationID); err != nil {
			r.log.Warn().Err(err).Str("consultation_id", consultationID).Msg("failed to record activity")
		}
	}
	return msg, nil
}

// End tears down the room of a consultation. It is idempotent.
func (r *Relay) End(consultationID string) {
	r.mu.Lock()
	rm, ok := r.rooms[consultationID]
	delete(r.rooms, consultationID)
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.closed = true
	for id, sub := range rm.subs {
		delete(rm.subs, id)
		close(sub.ch)
	}
	r.log.Debug().Str("consultation_id", consultationID).Msg("chat room ended")
}

// retry runs op with exponential backoff. Domain errors are not retried;
// exhausted retries surface as db.ErrTransient.
func (r *Relay) retry(ctx context.Context, op func() error) error {
	var last error
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		last = err
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.retries), ctx))
	if err == nil || isPermanent(err) {
		return err
	}
	r.log.Error().Err(last).Msg("storage retries exhausted")
	return fmt.Errorf("%w: %v", db.ErrTransient, err)
}

func isPermanent(err error) bool {
	return errors.Is(err, db.ErrNotFound) ||
		errors.Is(err, db.ErrInvalidState) ||
		errors.Is(err, db.ErrForbidden) ||
		errors.Is(err, db.ErrInvalidInput) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
