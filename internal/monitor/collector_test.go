package monitor

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vigila-backend/internal/models"
)

type recordedEvent struct {
	kind  string
	event models.BehaviorEvent
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) sink(kind string, event models.BehaviorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: kind, event: event})
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) at(i int) recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

func newTestCollector(trackingOn bool) (*Collector, *eventRecorder) {
	var tracking atomic.Bool
	tracking.Store(trackingOn)

	recorder := &eventRecorder{}
	return NewCollector(&tracking, recorder.sink), recorder
}

func TestCollectorHideShowPair(t *testing.T) {
	c, recorder := newTestCollector(true)

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	hiddenAt := base.Add(5 * time.Second)
	shownAt := base.Add(12 * time.Second)

	c.handle(Signal{Kind: SignalVisibility, At: hiddenAt, Hidden: true})
	c.handle(Signal{Kind: SignalVisibility, At: shownAt, Hidden: false})

	if recorder.len() != 3 {
		t.Fatalf("Expected 3 events (hidden, tabBlur, visible), got %d", recorder.len())
	}

	first := recorder.at(0)
	if first.kind != models.EventVisibilityChanges {
		t.Errorf("Expected visibilityChanges first, got %q", first.kind)
	}
	var payload models.VisibilityPayload
	if err := json.Unmarshal(first.event.Payload, &payload); err != nil {
		t.Fatalf("Failed to parse visibility payload: %v", err)
	}
	if payload.State != "hidden" {
		t.Errorf("Expected state 'hidden', got %q", payload.State)
	}

	blur := recorder.at(1)
	if blur.kind != models.EventTabBlur {
		t.Errorf("Expected tabBlur second, got %q", blur.kind)
	}
	if blur.event.DurationMs == nil {
		t.Fatal("Expected tabBlur duration to be set")
	}
	if *blur.event.DurationMs != 7000 {
		t.Errorf("Expected 7000ms duration, got %d", *blur.event.DurationMs)
	}
	if !blur.event.OccurredAt.Equal(shownAt) {
		t.Errorf("Expected tabBlur stamped at show time %v, got %v", shownAt, blur.event.OccurredAt)
	}

	last := recorder.at(2)
	if err := json.Unmarshal(last.event.Payload, &payload); err != nil {
		t.Fatalf("Failed to parse visibility payload: %v", err)
	}
	if payload.State != "visible" {
		t.Errorf("Expected state 'visible', got %q", payload.State)
	}
}

func TestCollectorShowWithoutHideMarker(t *testing.T) {
	c, recorder := newTestCollector(true)

	// Listener attached mid-hidden-state: the show has no start marker, so
	// only the discrete state event is emitted.
	c.handle(Signal{Kind: SignalVisibility, At: time.Now(), Hidden: false})

	if recorder.len() != 1 {
		t.Fatalf("Expected 1 event, got %d", recorder.len())
	}
	if recorder.at(0).kind != models.EventVisibilityChanges {
		t.Errorf("Expected visibilityChanges, got %q", recorder.at(0).kind)
	}
}

func TestCollectorBlurFocusPair(t *testing.T) {
	c, recorder := newTestCollector(true)

	base := time.Now()
	c.handle(Signal{Kind: SignalBlur, At: base})
	c.handle(Signal{Kind: SignalFocus, At: base.Add(2 * time.Second)})

	if recorder.len() != 1 {
		t.Fatalf("Expected 1 tabBlur event, got %d", recorder.len())
	}
	ev := recorder.at(0)
	if ev.kind != models.EventTabBlur {
		t.Errorf("Expected tabBlur, got %q", ev.kind)
	}
	if ev.event.DurationMs == nil || *ev.event.DurationMs != 2000 {
		t.Errorf("Expected 2000ms duration, got %v", ev.event.DurationMs)
	}
}

func TestCollectorFocusWithoutBlurMarker(t *testing.T) {
	c, recorder := newTestCollector(true)

	c.handle(Signal{Kind: SignalFocus, At: time.Now()})

	if recorder.len() != 0 {
		t.Fatalf("Expected no events, got %d", recorder.len())
	}
}

func TestCollectorNegativeDurationClamped(t *testing.T) {
	c, recorder := newTestCollector(true)

	base := time.Now()
	c.handle(Signal{Kind: SignalBlur, At: base})
	c.handle(Signal{Kind: SignalFocus, At: base.Add(-1 * time.Second)})

	if recorder.len() != 1 {
		t.Fatalf("Expected 1 event, got %d", recorder.len())
	}
	if d := recorder.at(0).event.DurationMs; d == nil || *d != 0 {
		t.Errorf("Expected duration clamped to 0, got %v", d)
	}
}

func TestCollectorClipboard(t *testing.T) {
	tests := []struct {
		name         string
		op           string
		text         string
		expectText   string
		expectLength int
	}{
		{"paste kept verbatim", "paste", "42", "42", 2},
		{"copy redacted", "copy", strings.Repeat("a", 500), RedactedClipboardText, 500},
		{"cut redacted", "cut", "secret answer", RedactedClipboardText, 13},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, recorder := newTestCollector(true)

			c.handle(Signal{
				Kind:      SignalClipboard,
				At:        time.Now(),
				Clipboard: &ClipboardSignal{Op: tc.op, Text: tc.text},
			})

			if recorder.len() != 1 {
				t.Fatalf("Expected 1 event, got %d", recorder.len())
			}
			ev := recorder.at(0)
			if ev.kind != models.EventClipboard {
				t.Errorf("Expected clipboardEvents, got %q", ev.kind)
			}

			var payload models.ClipboardPayload
			if err := json.Unmarshal(ev.event.Payload, &payload); err != nil {
				t.Fatalf("Failed to parse clipboard payload: %v", err)
			}
			if payload.Type != tc.op {
				t.Errorf("Expected type %q, got %q", tc.op, payload.Type)
			}
			if payload.Text != tc.expectText {
				t.Errorf("Expected text %q, got %q", tc.expectText, payload.Text)
			}
			if payload.TextLength != tc.expectLength {
				t.Errorf("Expected length %d, got %d", tc.expectLength, payload.TextLength)
			}
			if payload.Source != "internal" {
				t.Errorf("Expected source 'internal', got %q", payload.Source)
			}
		})
	}
}

func TestCollectorUnload(t *testing.T) {
	c, recorder := newTestCollector(true)

	c.handle(Signal{Kind: SignalUnload, At: time.Now()})

	if recorder.len() != 1 {
		t.Fatalf("Expected 1 event, got %d", recorder.len())
	}
	ev := recorder.at(0)
	if ev.kind != models.EventReloads {
		t.Errorf("Expected reloads, got %q", ev.kind)
	}
	if ev.event.DurationMs != nil {
		t.Errorf("Expected no duration on reload event, got %d", *ev.event.DurationMs)
	}
}

func TestCollectorDropsWhenNotTracking(t *testing.T) {
	c, recorder := newTestCollector(false)

	c.handle(Signal{Kind: SignalVisibility, At: time.Now(), Hidden: true})
	c.handle(Signal{Kind: SignalUnload, At: time.Now()})
	c.handle(Signal{Kind: SignalClipboard, At: time.Now(), Clipboard: &ClipboardSignal{Op: "paste", Text: "x"}})

	if recorder.len() != 0 {
		t.Fatalf("Expected no events while not tracking, got %d", recorder.len())
	}
}

type chanSignalSource struct {
	ch chan Signal
}

func (s *chanSignalSource) Signals() <-chan Signal { return s.ch }

func TestCollectorRunStopsOnStop(t *testing.T) {
	c, recorder := newTestCollector(true)
	source := &chanSignalSource{ch: make(chan Signal, 8)}

	go c.Run(source)

	source.ch <- Signal{Kind: SignalUnload, At: time.Now()}
	waitFor(t, func() bool { return recorder.len() == 1 }, "first event recorded")

	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Collector did not stop within 1s")
	}

	// The loop is gone, so a late signal goes nowhere.
	source.ch <- Signal{Kind: SignalUnload, At: time.Now()}
	time.Sleep(20 * time.Millisecond)
	if recorder.len() != 1 {
		t.Fatalf("Expected no events after stop, got %d", recorder.len())
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
