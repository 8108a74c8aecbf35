package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishOrdering(t *testing.T) {
	h := NewHub(64)
	h.Open("t1")

	ch, cancel, err := h.Subscribe("t1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	const n = 50
	for i := 0; i < n; i++ {
		h.Publish(Event{TaskID: "t1", Type: EventLine, Line: fmt.Sprintf("L%d", i)})
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			if want := fmt.Sprintf("L%d", i); ev.Line != want {
				t.Fatalf("event %d: Line = %q, want %q", i, ev.Line, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSubscribeUnknownTopic(t *testing.T) {
	h := NewHub(8)
	if _, _, err := h.Subscribe("missing"); err != ErrNoTopic {
		t.Errorf("Subscribe(missing) err = %v, want ErrNoTopic", err)
	}
}

func TestLinesBeforeSubscribeNotReplayed(t *testing.T) {
	h := NewHub(8)
	h.Open("t1")
	h.Publish(Event{TaskID: "t1", Type: EventLine, Line: "early"})

	ch, cancel, err := h.Subscribe("t1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	select {
	case ev := <-ch:
		t.Errorf("unexpected replayed event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := NewHub(2)
	h.Open("t1")

	var drops int
	h.OnDrop(func(string) { drops++ })

	_, cancel, err := h.Subscribe("t1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(Event{TaskID: "t1", Type: EventLine, Line: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if drops == 0 {
		t.Error("expected dropped events for the stalled subscriber")
	}
}

func TestCancelIdempotentDuringDelivery(t *testing.T) {
	h := NewHub(4)
	h.Open("t1")

	ch, cancel, err := h.Subscribe("t1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Publish(Event{TaskID: "t1", Type: EventLine, Line: "x"})
		}
	}()
	go func() {
		defer wg.Done()
		cancel()
		cancel()
	}()

	// Drain until the channel closes; must terminate.
	for range ch {
	}
	wg.Wait()
}

func TestCloseTearsDownSubscribers(t *testing.T) {
	h := NewHub(4)
	h.Open("t1")

	ch, cancel, err := h.Subscribe("t1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	h.Close("t1")

	if _, open := <-ch; open {
		t.Error("channel still open after Close")
	}
	if _, _, err := h.Subscribe("t1"); err != ErrNoTopic {
		t.Errorf("Subscribe after Close err = %v, want ErrNoTopic", err)
	}

	// Publish after Close must be a safe no-op.
	h.Publish(Event{TaskID: "t1", Type: EventLine, Line: "late"})
}

func TestStatusEventDelivery(t *testing.T) {
	h := NewHub(4)
	h.Open("t1")

	ch, cancel, err := h.Subscribe("t1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	h.Publish(Event{TaskID: "t1", Type: EventStatus, Status: "running"})

	select {
	case ev := <-ch:
		if ev.Type != EventStatus || ev.Status != "running" {
			t.Errorf("got %+v, want status event running", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status event")
	}
}
