package manager

import (
	"testing"
	"time"
)

func TestBrokerSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(4)

	ch1, first := b.Subscribe("vet-1")
	if ch1 == nil || !first {
		t.Fatalf("expected first stream, got ch=%v first=%v", ch1, first)
	}
	ch2, first := b.Subscribe("vet-1")
	if first {
		t.Error("second stream should not be reported as first")
	}

	if b.Unsubscribe("vet-1", ch1) {
		t.Error("expected one stream left")
	}
	if !b.Unsubscribe("vet-1", ch2) {
		t.Error("expected no streams left")
	}

	b.mu.RLock()
	count := len(b.clients)
	b.mu.RUnlock()
	if count != 0 {
		t.Errorf("expected 0 users after unsubscribe, got %d", count)
	}

	if _, ok := <-ch1; ok {
		t.Error("expected closed channel after unsubscribe")
	}
}

func TestBrokerPublishTargetsOneUser(t *testing.T) {
	b := NewBroker(4)
	mine, _ := b.Subscribe("vet-1")
	other, _ := b.Subscribe("vet-2")
	defer b.Unsubscribe("vet-1", mine)
	defer b.Unsubscribe("vet-2", other)

	n := b.Publish("vet-1", closedEvent("c-1", ReasonClaimed))
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}

	select {
	case ev := <-mine:
		if ev.Type != EventConsultationClosed {
			t.Errorf("expected %q, got %q", EventConsultationClosed, ev.Type)
		}
		p, ok := ev.Payload.(ConsultationClosed)
		if !ok || p.ConsultationID != "c-1" || p.Reason != ReasonClaimed {
			t.Errorf("unexpected payload %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-other:
		t.Errorf("other user received %+v", ev)
	default:
	}
}

func TestBrokerPublishAllStreams(t *testing.T) {
	b := NewBroker(4)
	ch1, _ := b.Subscribe("farmer-1")
	ch2, _ := b.Subscribe("farmer-1")
	defer b.Unsubscribe("farmer-1", ch1)
	defer b.Unsubscribe("farmer-1", ch2)

	if n := b.Publish("farmer-1", Event{Type: EventConsultationUpdate}); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
}

func TestBrokerPublishNoSubscribers(t *testing.T) {
	b := NewBroker(0)
	if n := b.Publish("nobody", Event{Type: EventConsultationUpdate}); n != 0 {
		t.Errorf("expected 0 deliveries, got %d", n)
	}
}

func TestBrokerPublishDropsWhenFull(t *testing.T) {
	b := NewBroker(3)
	ch, _ := b.Subscribe("vet-1")
	defer b.Unsubscribe("vet-1", ch)

	for i := 0; i < 5; i++ {
		b.Publish("vet-1", Event{Type: EventConsultationUpdate})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 3 {
		t.Errorf("expected 3 buffered events, got %d", count)
	}
}
