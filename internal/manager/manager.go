package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/metrics"
	"github.com/tejzpr/vetlink/internal/presence"
)

// ErrNoCandidates means the selected responders are not among the candidates.
var ErrNoCandidates = fmt.Errorf("%w: selected responders are not among the candidates", db.ErrInvalidInput)

// Candidate is one entry of the externally computed candidate list.
type Candidate struct {
	ResponderID    string  `json:"responderId"`
	DistanceMeters float64 `json:"distanceMeters"`
}

// CreateInput carries everything needed to open a consultation.
type CreateInput struct {
	RequesterID   string
	RequesterName string
	SymptomText   string
	MobileNumber  string
	AnimalID      string
	Notes         string
	Origin        db.Location
	RadiusMeters  int
	Candidates    []Candidate
	// SelectedResponderIDs narrows the broadcast when non-empty.
	SelectedResponderIDs []string
}

// TerminateFunc runs after a consultation reaches closed or rejected.
type TerminateFunc func(c *db.Consultation)

// Options configures a Manager.
type Options struct {
	// PendingTimeout rejects unclaimed consultations; zero disables it.
	PendingTimeout time.Duration
	// IdleTimeout closes active consultations without activity; zero disables it.
	IdleTimeout time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Manager is the matching and arbitration engine.
type Manager struct {
	store    *db.Store
	presence presence.Tracker
	broker   *Broker

	pendingTimeout time.Duration
	idleTimeout    time.Duration
	now            func() time.Time
	log            zerolog.Logger

	mu    sync.RWMutex
	hooks []TerminateFunc
}

// New creates a Manager.
func New(store *db.Store, tracker presence.Tracker, broker *Broker, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:          store,
		presence:       tracker,
		broker:         broker,
		pendingTimeout: opts.PendingTimeout,
		idleTimeout:    opts.IdleTimeout,
		now:            now,
		log:            opts.Logger.With().Str("component", "manager").Logger(),
	}
}

// OnTerminate registers fn to run after every terminal transition.
func (m *Manager) OnTerminate(fn TerminateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Create stores a pending consultation and notifies the connected
// candidates. Notification is best-effort and never fails the call.
func (m *Manager) Create(ctx context.Context, in CreateInput) (string, error) {
	in.SymptomText = strings.TrimSpace(in.SymptomText)
	if in.RequesterID == "" {
		return "", fmt.Errorf("%w: requester id is required", db.ErrInvalidInput)
	}
	if in.SymptomText == "" {
		return "", fmt.Errorf("%w: symptom is required", db.ErrInvalidInput)
	}

	candidates := selectCandidates(in.Candidates, in.SelectedResponderIDs)
	if len(in.SelectedResponderIDs) > 0 && len(candidates) == 0 {
		return "", ErrNoCandidates
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ResponderID
	}
	connected, err := m.presence.ListConnected(ctx, ids)
	if err != nil {
		m.log.Warn().Err(err).Msg("presence lookup failed, notifying nobody")
		connected = nil
	}
	online := make(map[string]bool, len(connected))
	for _, id := range connected {
		online[id] = true
	}

	now := m.now()
	c := &db.Consultation{
		ID:             uuid.NewString(),
		RequesterID:    in.RequesterID,
		RequesterName:  in.RequesterName,
		SymptomText:    in.SymptomText,
		MobileNumber:   in.MobileNumber,
		AnimalID:       in.AnimalID,
		Notes:          in.Notes,
		Origin:         in.Origin,
		RadiusMeters:   in.RadiusMeters,
		Status:         db.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if c.RadiusMeters <= 0 {
		c.RadiusMeters = 25000
	}

	rows := make([]db.Candidate, len(candidates))
	for i, cand := range candidates {
		rows[i] = db.Candidate{
			ResponderID:    cand.ResponderID,
			DistanceMeters: cand.DistanceMeters,
			Notified:       online[cand.ResponderID],
			CreatedAt:      now,
		}
	}
	if err := m.store.CreateConsultation(ctx, c, rows); err != nil {
		return "", err
	}
	metrics.ConsultationsCreated.Inc()

	for _, cand := range rows {
		if !cand.Notified {
			continue
		}
		m.broker.Publish(cand.ResponderID, Event{
			Type: EventConsultationRequest,
			Payload: CandidateNotification{
				ConsultationID: c.ID,
				RequesterName:  c.RequesterName,
				DistanceMeters: cand.DistanceMeters,
				DistanceKm:     math.Round(cand.DistanceMeters/10) / 100,
				SymptomText:    c.SymptomText,
				Location:       c.Origin,
				CreatedAt:      c.CreatedAt,
			},
		})
		metrics.CandidatesNotified.Inc()
	}

	m.log.Info().
		Str("consultation_id", c.ID).
		Int("candidates", len(rows)).
		Int("notified", len(connected)).
		Msg("consultation created")
	return c.ID, nil
}

// selectCandidates drops duplicate and empty ids and applies the optional
// selection filter, keeping input order.
func selectCandidates(all []Candidate, selected []string) []Candidate {
	var allow map[string]bool
	if len(selected) > 0 {
		allow = make(map[string]bool, len(selected))
		for _, id := range selected {
			allow[id] = true
		}
	}
	seen := make(map[string]bool, len(all))
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if c.ResponderID == "" || seen[c.ResponderID] {
			continue
		}
		if allow != nil && !allow[c.ResponderID] {
			continue
		}
		seen[c.ResponderID] = true
		out = append(out, c)
	}
	return out
}

// Claim assigns responderID to a pending consultation. The first claim to
// commit wins; everyone else gets db.ErrAlreadyClaimed. A repeat claim by
// the winner returns the consultation again without new notifications.
func (m *Manager) Claim(ctx context.Context, id, responderID string) (*db.Consultation, error) {
	now := m.now()
	var notBefore time.Time
	if m.pendingTimeout > 0 {
		notBefore = now.Add(-m.pendingTimeout)
	}

	c, err := m.store.Claim(ctx, id, responderID, now, notBefore)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrPendingExpired):
		metrics.ClaimOutcomes.WithLabelValues("invalid_state").Inc()
		if expErr := m.expire(ctx, id, ReasonTimeout); expErr != nil {
			m.log.Error().Err(expErr).Str("consultation_id", id).Msg("failed to expire consultation")
		}
		return nil, err
	case errors.Is(err, db.ErrAlreadyAssigned):
		// A retry by the winner; everyone was notified by the first claim.
		metrics.ClaimOutcomes.WithLabelValues("repeat").Inc()
		return m.store.GetConsultation(ctx, id)
	case errors.Is(err, db.ErrAlreadyClaimed):
		metrics.ClaimOutcomes.WithLabelValues("already_claimed").Inc()
		m.broker.Publish(responderID, closedEvent(id, ReasonClaimed))
		return nil, err
	case errors.Is(err, db.ErrNotFound):
		metrics.ClaimOutcomes.WithLabelValues("not_found").Inc()
		return nil, err
	case errors.Is(err, db.ErrInvalidState):
		metrics.ClaimOutcomes.WithLabelValues("invalid_state").Inc()
		return nil, err
	default:
		metrics.ClaimOutcomes.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ClaimOutcomes.WithLabelValues("won").Inc()

	candidates, err := m.store.Candidates(ctx, id)
	if err != nil {
		m.log.Warn().Err(err).Str("consultation_id", id).Msg("failed to load candidates for retraction")
	}
	for _, cand := range candidates {
		if cand.Notified && cand.ResponderID != responderID {
			m.broker.Publish(cand.ResponderID, closedEvent(id, ReasonClaimed))
		}
	}

	m.broker.Publish(c.RequesterID, Event{
		Type: EventConsultationAccepted,
		Payload: ConsultationAccepted{
			ConsultationID: c.ID,
			ResponderID:    responderID,
			AcceptedAt:     now,
		},
	})
	m.publishUpdate(c)

	m.log.Info().
		Str("consultation_id", id).
		Str("responder_id", responderID).
		Msg("consultation claimed")
	return c, nil
}

// Cancel withdraws a pending consultation on behalf of its requester.
// Cancelling an already terminated consultation is a no-op.
func (m *Manager) Cancel(ctx context.Context, id, requesterID string) error {
	c, err := m.store.GetConsultation(ctx, id)
	if err != nil {
		return err
	}
	if c.RequesterID != requesterID {
		return db.ErrForbidden
	}
	switch c.Status {
	case db.StatusClosed, db.StatusRejected:
		return nil
	case db.StatusActive:
		return fmt.Errorf("%w: consultation already has a responder, close it instead", db.ErrInvalidState)
	}

	ok, err := m.store.Transition(ctx, id, db.StatusPending, db.StatusRejected, m.now())
	if err != nil {
		return err
	}
	if ok {
		m.terminated(ctx, id, ReasonCancelled)
		return nil
	}

	// Lost a race with a claim or another cancel.
	c, err = m.store.GetConsultation(ctx, id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: consultation already has a responder, close it instead", db.ErrInvalidState)
}

// Close ends a consultation on behalf of either participant. A pending
// consultation closed by its requester is rejected; an active one is
// closed. Closing a terminated consultation is a no-op.
func (m *Manager) Close(ctx context.Context, id, participantID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := m.store.GetConsultation(ctx, id)
		if err != nil {
			return err
		}
		if !c.IsParticipant(participantID) {
			return db.ErrForbidden
		}

		var (
			from, to db.Status
			reason   string
		)
		switch c.Status {
		case db.StatusClosed, db.StatusRejected:
			return nil
		case db.StatusPending:
			from, to, reason = db.StatusPending, db.StatusRejected, ReasonCancelled
		default:
			from, to, reason = db.StatusActive, db.StatusClosed, ReasonEnded
		}

		ok, err := m.store.Transition(ctx, id, from, to, m.now())
		if err != nil {
			return err
		}
		if ok {
			m.terminated(ctx, id, reason)
			return nil
		}
	}
	return fmt.Errorf("%w: consultation changed concurrently", db.ErrInvalidState)
}

// Get returns a consultation to one of its participants.
func (m *Manager) Get(ctx context.Context, id, participantID string) (*db.Consultation, error) {
	c, err := m.store.GetConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(participantID) {
		return nil, db.ErrForbidden
	}
	return c, nil
}

// List returns the caller's consultations, newest first.
func (m *Manager) List(ctx context.Context, participantID, role string) ([]db.Consultation, error) {
	if role == db.RoleResponder {
		return m.store.ListByResponder(ctx, participantID)
	}
	return m.store.ListByRequester(ctx, participantID)
}

// Touch records relay activity so the idle reaper leaves the consultation open.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.store.Touch(ctx, id, m.now())
}

// Sweep applies both timeouts once and reports how many consultations it
// rejected and closed.
func (m *Manager) Sweep(ctx context.Context) (rejected, closed int, err error) {
	now := m.now()

	if m.pendingTimeout > 0 {
		expired, err := m.store.ExpiredPending(ctx, now.Add(-m.pendingTimeout))
		if err != nil {
			return 0, 0, fmt.Errorf("failed to list expired consultations: %w", err)
		}
		for _, c := range expired {
			ok, err := m.store.Transition(ctx, c.ID, db.StatusPending, db.StatusRejected, now)
			if err != nil {
				return rejected, closed, err
			}
			if ok {
				rejected++
				m.terminated(ctx, c.ID, ReasonTimeout)
			}
		}
	}

	if m.idleTimeout > 0 {
		idle, err := m.store.IdleActive(ctx, now.Add(-m.idleTimeout))
		if err != nil {
			return rejected, closed, fmt.Errorf("failed to list idle consultations: %w", err)
		}
		for _, c := range idle {
			ok, err := m.store.Transition(ctx, c.ID, db.StatusActive, db.StatusClosed, now)
			if err != nil {
				return rejected, closed, err
			}
			if ok {
				closed++
				m.terminated(ctx, c.ID, ReasonIdle)
			}
		}
	}
	return rejected, closed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rejected, closed, err := m.Sweep(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if rejected > 0 || closed > 0 {
				m.log.Info().Int("rejected", rejected).Int("closed", closed).Msg("sweep completed")
			}
		}
	}
}

func (m *Manager) expire(ctx context.Context, id, reason string) error {
	ok, err := m.store.Transition(ctx, id, db.StatusPending, db.StatusRejected, m.now())
	if err != nil {
		return err
	}
	if ok {
		m.terminated(ctx, id, reason)
	}
	return nil
}

// terminated notifies everyone affected by a terminal transition and runs
// the registered hooks.
func (m *Manager) terminated(ctx context.Context, id, reason string) {
	c, err := m.store.GetConsultation(ctx, id)
	if err != nil {
		m.log.Error().Err(err).Str("consultation_id", id).Msg("failed to reload terminated consultation")
		return
	}
	metrics.Terminations.WithLabelValues(string(c.Status), reason).Inc()

	ev := closedEvent(c.ID, reason)
	m.broker.Publish(c.RequesterID, ev)
	if c.ResponderID != nil {
		m.broker.Publish(*c.ResponderID, ev)
	}
	m.publishUpdate(c)

	if c.Status == db.StatusRejected {
		candidates, err := m.store.Candidates(ctx, id)
		if err != nil {
			m.log.Warn().Err(err).Str("consultation_id", id).Msg("failed to load candidates for retraction")
		}
		for _, cand := range candidates {
			if cand.Notified {
				m.broker.Publish(cand.ResponderID, ev)
			}
		}
	}

	m.mu.RLock()
	hooks := append([]TerminateFunc(nil), m.hooks...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}

	m.log.Info().
		Str("consultation_id", id).
		Str("status", string(c.Status)).
		Str("reason", reason).
		Msg("consultation terminated")
}

func (m *Manager) publishUpdate(c *db.Consultation) {
	ev := Event{
		Type: EventConsultationUpdate,
		Payload: ConsultationUpdate{
			ConsultationID: c.ID,
			Status:         c.Status,
			UpdatedAt:      c.UpdatedAt,
		},
	}
	m.broker.Publish(c.RequesterID, ev)
	if c.ResponderID != nil {
		m.broker.Publish(*c.ResponderID, ev)
	}
}
