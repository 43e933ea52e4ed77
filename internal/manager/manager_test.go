package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/presence"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	m      *Manager
	store  *db.Store
	broker *Broker
	track  *presence.MemoryTracker
	clock  *testClock
}

func setupTestManager(t *testing.T) *testEnv {
	t.Helper()
	d, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	env := &testEnv{
		store:  db.NewStore(d),
		broker: NewBroker(32),
		track:  presence.NewMemoryTracker(),
		clock:  &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	env.m = New(env.store, env.track, env.broker, Options{
		PendingTimeout: 10 * time.Minute,
		IdleTimeout:    30 * time.Minute,
		Logger:         zerolog.Nop(),
		Now:            env.clock.Now,
	})
	return env
}

// connect subscribes a user and, for responders, marks them present.
func (e *testEnv) connect(t *testing.T, userID string, responder bool) chan Event {
	t.Helper()
	ch, _ := e.broker.Subscribe(userID)
	if responder {
		if err := e.track.MarkConnected(context.Background(), userID); err != nil {
			t.Fatalf("mark connected failed: %v", err)
		}
	}
	return ch
}

func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func createInput(candidates ...string) CreateInput {
	in := CreateInput{
		RequesterID:   "farmer-1",
		RequesterName: "Asha",
		SymptomText:   "cow not eating",
		Origin:        db.Location{Lat: 18.52, Lng: 73.85},
	}
	for i, id := range candidates {
		in.Candidates = append(in.Candidates, Candidate{ResponderID: id, DistanceMeters: float64(500 * (i + 1))})
	}
	return in
}

func TestCreateNotifiesOnlyConnectedCandidates(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	v1 := env.connect(t, "vet-1", true)
	v2 := env.connect(t, "vet-2", true)
	v3, _ := env.broker.Subscribe("vet-3") // stream open but not marked present

	id, err := env.m.Create(ctx, createInput("vet-1", "vet-2", "vet-3", "vet-1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c, err := env.store.GetConsultation(ctx, id)
	if err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}
	if c.Status != db.StatusPending || c.ResponderID != nil {
		t.Fatalf("expected unassigned pending consultation, got %s", c.Status)
	}

	for _, ch := range []chan Event{v1, v2} {
		events := drain(ch)
		if len(events) != 1 || events[0].Type != EventConsultationRequest {
			t.Fatalf("expected one consultation-request, got %+v", events)
		}
		n := events[0].Payload.(CandidateNotification)
		if n.ConsultationID != id || n.SymptomText != "cow not eating" {
			t.Errorf("unexpected notification %+v", n)
		}
	}
	if events := drain(v3); len(events) != 0 {
		t.Errorf("disconnected candidate received %+v", events)
	}

	cands, err := env.store.Candidates(ctx, id)
	if err != nil {
		t.Fatalf("failed to list candidates: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("expected 3 deduplicated candidates, got %d", len(cands))
	}
	for _, cand := range cands {
		want := cand.ResponderID != "vet-3"
		if cand.Notified != want {
			t.Errorf("candidate %s notified=%v, want %v", cand.ResponderID, cand.Notified, want)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	in := createInput("vet-1")
	in.SymptomText = "   "
	if _, err := env.m.Create(ctx, in); !errors.Is(err, db.ErrInvalidInput) {
		t.Errorf("expected db.ErrInvalidInput for blank symptom, got %v", err)
	}

	in = createInput("vet-1")
	in.SelectedResponderIDs = []string{"vet-9"}
	if _, err := env.m.Create(ctx, in); !errors.Is(err, ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}

	// An empty candidate list is accepted; the consultation simply expires.
	if _, err := env.m.Create(ctx, createInput()); err != nil {
		t.Errorf("expected empty candidate list to be accepted, got %v", err)
	}
}

func TestCreateWithSelectedResponders(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	v1 := env.connect(t, "vet-1", true)
	v2 := env.connect(t, "vet-2", true)

	in := createInput("vet-1", "vet-2")
	in.SelectedResponderIDs = []string{"vet-2"}
	id, err := env.m.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if events := drain(v1); len(events) != 0 {
		t.Errorf("unselected responder received %+v", events)
	}
	if events := drain(v2); countType(events, EventConsultationRequest) != 1 {
		t.Errorf("selected responder expected a request, got %+v", events)
	}
	cands, _ := env.store.Candidates(ctx, id)
	if len(cands) != 1 || cands[0].ResponderID != "vet-2" {
		t.Errorf("expected ledger to hold only vet-2, got %+v", cands)
	}
}

func TestClaimLifecycle(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	farmer := env.connect(t, "farmer-1", false)
	v1 := env.connect(t, "vet-1", true)
	v2 := env.connect(t, "vet-2", true)
	v3 := env.connect(t, "vet-3", true)

	id, err := env.m.Create(ctx, createInput("vet-1", "vet-2", "vet-3"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	drain(v1)
	drain(v2)
	drain(v3)

	c, err := env.m.Claim(ctx, id, "vet-2")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if c.Status != db.StatusActive || c.ResponderID == nil || *c.ResponderID != "vet-2" {
		t.Fatalf("expected active consultation with vet-2, got %+v", c)
	}

	if _, err := env.m.Claim(ctx, id, "vet-1"); !errors.Is(err, db.ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}

	farmerEvents := drain(farmer)
	if countType(farmerEvents, EventConsultationAccepted) != 1 {
		t.Errorf("requester expected one consultation-accepted, got %+v", farmerEvents)
	}
	if events := drain(v2); countType(events, EventConsultationClosed) != 0 {
		t.Errorf("winner should not be told the consultation closed, got %+v", events)
	}
	// vet-1 gets the retraction on the win and again after its losing claim.
	if events := drain(v1); countType(events, EventConsultationClosed) < 1 {
		t.Errorf("losing candidate expected consultation-closed, got %+v", events)
	}
	if events := drain(v3); countType(events, EventConsultationClosed) != 1 {
		t.Errorf("idle candidate expected one consultation-closed, got %+v", events)
	}
}

func TestRepeatClaimByWinner(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	farmer := env.connect(t, "farmer-1", false)
	v1 := env.connect(t, "vet-1", true)

	id, err := env.m.Create(ctx, createInput("vet-1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.m.Claim(ctx, id, "vet-1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	drain(v1)
	drain(farmer)

	c, err := env.m.Claim(ctx, id, "vet-1")
	if err != nil {
		t.Fatalf("expected repeat claim by the winner to succeed, got %v", err)
	}
	if c.Status != db.StatusActive || c.ResponderID == nil || *c.ResponderID != "vet-1" {
		t.Errorf("expected the active consultation held by vet-1, got %+v", c)
	}
	if events := drain(v1); len(events) != 0 {
		t.Errorf("expected no events to the winner on a repeat claim, got %+v", events)
	}
	if events := drain(farmer); len(events) != 0 {
		t.Errorf("expected no new events to the requester, got %+v", events)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("vet-%d", i)
		env.connect(t, ids[i], true)
	}
	id, err := env.m.Create(ctx, createInput(ids...))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(responder string) {
			defer wg.Done()
			_, err := env.m.Claim(ctx, id, responder)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, responder)
			case errors.Is(err, db.ErrAlreadyClaimed):
				losers++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(ids[i])
	}
	wg.Wait()

	if len(winners) != 1 || losers != n-1 {
		t.Fatalf("expected 1 winner and %d losers, got %v and %d", n-1, winners, losers)
	}
	c, _ := env.store.GetConsultation(ctx, id)
	if c.ResponderID == nil || *c.ResponderID != winners[0] {
		t.Errorf("stored responder does not match winner %s", winners[0])
	}
}

func TestClaimAfterPendingTimeout(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	farmer := env.connect(t, "farmer-1", false)
	env.connect(t, "vet-1", true)

	id, err := env.m.Create(ctx, createInput("vet-1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.clock.Advance(11 * time.Minute)

	_, err = env.m.Claim(ctx, id, "vet-1")
	if !errors.Is(err, db.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	c, _ := env.store.GetConsultation(ctx, id)
	if c.Status != db.StatusRejected {
		t.Errorf("expected rejected after late claim, got %s", c.Status)
	}
	if events := drain(farmer); countType(events, EventConsultationClosed) != 1 {
		t.Errorf("requester expected consultation-closed, got %+v", events)
	}
}

func TestCancel(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	v1 := env.connect(t, "vet-1", true)

	id, err := env.m.Create(ctx, createInput("vet-1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	drain(v1)

	if err := env.m.Cancel(ctx, id, "farmer-2"); !errors.Is(err, db.ErrForbidden) {
		t.Errorf("expected ErrForbidden for foreign requester, got %v", err)
	}
	if err := env.m.Cancel(ctx, id, "farmer-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := env.m.Cancel(ctx, id, "farmer-1"); err != nil {
		t.Errorf("second Cancel should be a no-op, got %v", err)
	}

	c, _ := env.store.GetConsultation(ctx, id)
	if c.Status != db.StatusRejected {
		t.Errorf("expected rejected, got %s", c.Status)
	}
	if events := drain(v1); countType(events, EventConsultationClosed) != 1 {
		t.Errorf("notified candidate expected one retraction, got %+v", events)
	}
	if _, err := env.m.Claim(ctx, id, "vet-1"); !errors.Is(err, db.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState claiming a cancelled consultation, got %v", err)
	}
}

func TestCancelActiveIsInvalid(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	env.connect(t, "vet-1", true)

	id, _ := env.m.Create(ctx, createInput("vet-1"))
	if _, err := env.m.Claim(ctx, id, "vet-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := env.m.Cancel(ctx, id, "farmer-1"); !errors.Is(err, db.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCloseIdempotentAndRunsHooks(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	env.connect(t, "vet-1", true)

	var hooked []string
	env.m.OnTerminate(func(c *db.Consultation) {
		hooked = append(hooked, c.ID)
	})

	id, _ := env.m.Create(ctx, createInput("vet-1"))
	if _, err := env.m.Claim(ctx, id, "vet-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := env.m.Close(ctx, id, "vet-9"); !errors.Is(err, db.ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-participant, got %v", err)
	}
	if err := env.m.Close(ctx, id, "vet-1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := env.m.Close(ctx, id, "farmer-1"); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	c, _ := env.store.GetConsultation(ctx, id)
	if c.Status != db.StatusClosed || c.ClosedAt == nil {
		t.Errorf("expected closed with closed_at, got %s", c.Status)
	}
	if len(hooked) != 1 || hooked[0] != id {
		t.Errorf("expected hook to run once, got %v", hooked)
	}
}

func TestClosePendingByRequesterRejects(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	id, _ := env.m.Create(ctx, createInput("vet-1"))
	if err := env.m.Close(ctx, id, "vet-1"); !errors.Is(err, db.ErrForbidden) {
		t.Errorf("unassigned candidate should not close, got %v", err)
	}
	if err := env.m.Close(ctx, id, "farmer-1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	c, _ := env.store.GetConsultation(ctx, id)
	if c.Status != db.StatusRejected {
		t.Errorf("expected rejected, got %s", c.Status)
	}
}

func TestGetAndList(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	env.connect(t, "vet-1", true)

	id, _ := env.m.Create(ctx, createInput("vet-1"))
	if _, err := env.m.Get(ctx, id, "vet-1"); !errors.Is(err, db.ErrForbidden) {
		t.Errorf("expected ErrForbidden before assignment, got %v", err)
	}
	if _, err := env.m.Get(ctx, "missing", "farmer-1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.m.Claim(ctx, id, "vet-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := env.m.Get(ctx, id, "vet-1"); err != nil {
		t.Errorf("assigned responder should read the consultation, got %v", err)
	}

	mine, err := env.m.List(ctx, "vet-1", db.RoleResponder)
	if err != nil || len(mine) != 1 {
		t.Errorf("expected one responder consultation, got %d err=%v", len(mine), err)
	}
	mine, err = env.m.List(ctx, "farmer-1", db.RoleRequester)
	if err != nil || len(mine) != 1 {
		t.Errorf("expected one requester consultation, got %d err=%v", len(mine), err)
	}
}

func TestSweep(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()
	env.connect(t, "vet-1", true)

	stale, _ := env.m.Create(ctx, createInput("vet-1"))
	busy, _ := env.m.Create(ctx, createInput("vet-1"))
	if _, err := env.m.Claim(ctx, busy, "vet-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	env.clock.Advance(11 * time.Minute)
	rejected, closed, err := env.m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if rejected != 1 || closed != 0 {
		t.Errorf("expected 1 rejected and 0 closed, got %d and %d", rejected, closed)
	}

	env.clock.Advance(15 * time.Minute)
	if err := env.m.Touch(ctx, busy); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	env.clock.Advance(20 * time.Minute)
	if _, closed, _ := env.m.Sweep(ctx); closed != 0 {
		t.Errorf("touched consultation should stay open, closed=%d", closed)
	}

	env.clock.Advance(11 * time.Minute)
	if _, closed, _ := env.m.Sweep(ctx); closed != 1 {
		t.Errorf("expected idle consultation to close, closed=%d", closed)
	}

	for id, want := range map[string]db.Status{stale: db.StatusRejected, busy: db.StatusClosed} {
		c, _ := env.store.GetConsultation(ctx, id)
		if c.Status != want {
			t.Errorf("consultation %s: expected %s, got %s", id, want, c.Status)
		}
	}
}
