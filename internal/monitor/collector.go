package monitor

import (
	"encoding/json"
	"log"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"vigila-backend/internal/models"
)

// RedactedClipboardText replaces copied/cut content before it leaves the
// client. Pasted content is forwarded verbatim; only its provenance matters
// for copy and cut.
const RedactedClipboardText = "[content hidden]"

// EventSink receives correlated behavior events. The controller plugs its
// RecordBehavior in here.
type EventSink func(kind string, event models.BehaviorEvent)

// Collector turns raw browser signals into behavior events. Hidden/visible
// and blur/focus pairs are correlated into tabBlur duration events; everything
// else passes through as discrete records. The collector checks the live
// tracking flag on every signal so nothing is emitted after teardown, even if
// a signal was already in flight.
type Collector struct {
	tracking *atomic.Bool
	sink     EventSink

	hiddenAt time.Time
	blurAt   time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewCollector(tracking *atomic.Bool, sink EventSink) *Collector {
	return &Collector{
		tracking: tracking,
		sink:     sink,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Run consumes signals until Stop is called or the source closes. Call once,
// in its own goroutine.
func (c *Collector) Run(source SignalSource) {
	defer close(c.doneChan)

	signals := source.Signals()
	for {
		select {
		case <-c.stopChan:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			c.handle(sig)
		}
	}
}

// Stop detaches the collector. Signals arriving after Stop are dropped by the
// tracking gate even before the loop winds down.
func (c *Collector) Stop() {
	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
}

// Done reports loop termination, for tests and orderly teardown.
func (c *Collector) Done() <-chan struct{} {
	return c.doneChan
}

func (c *Collector) handle(sig Signal) {
	if !c.tracking.Load() {
		return
	}

	switch sig.Kind {
	case SignalVisibility:
		c.handleVisibility(sig)
	case SignalBlur:
		c.blurAt = sig.At
	case SignalFocus:
		c.handleFocus(sig)
	case SignalClipboard:
		c.handleClipboard(sig)
	case SignalUnload:
		c.sink(models.EventReloads, models.BehaviorEvent{
			Kind:       models.EventReloads,
			OccurredAt: sig.At,
		})
	}
}

// handleVisibility emits two kinds per hide/show cycle: a discrete
// visibilityChanges record for every transition, plus one tabBlur duration
// event when a hide marker exists to pair the show against.
func (c *Collector) handleVisibility(sig Signal) {
	state := "visible"
	if sig.Hidden {
		state = "hidden"
	}

	if sig.Hidden {
		c.hiddenAt = sig.At
	} else if !c.hiddenAt.IsZero() {
		c.emitTabBlur(c.hiddenAt, sig.At)
		c.hiddenAt = time.Time{}
	}
	// A show with no hide marker (listener attached mid-hidden-state) emits
	// the discrete record only.

	payload, err := json.Marshal(models.VisibilityPayload{State: state})
	if err != nil {
		log.Printf("collector: failed to encode visibility payload: %v", err)
		return
	}
	c.sink(models.EventVisibilityChanges, models.BehaviorEvent{
		Kind:       models.EventVisibilityChanges,
		OccurredAt: sig.At,
		Payload:    payload,
	})
}

func (c *Collector) handleFocus(sig Signal) {
	if c.blurAt.IsZero() {
		return
	}
	c.emitTabBlur(c.blurAt, sig.At)
	c.blurAt = time.Time{}
}

func (c *Collector) emitTabBlur(start, end time.Time) {
	duration := end.Sub(start).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	c.sink(models.EventTabBlur, models.BehaviorEvent{
		Kind:       models.EventTabBlur,
		OccurredAt: end,
		DurationMs: &duration,
	})
}

func (c *Collector) handleClipboard(sig Signal) {
	if sig.Clipboard == nil {
		return
	}

	text := sig.Clipboard.Text
	length := utf8.RuneCountInString(text)
	if sig.Clipboard.Op != "paste" {
		text = RedactedClipboardText
	}

	payload, err := json.Marshal(models.ClipboardPayload{
		Type:       sig.Clipboard.Op,
		Text:       text,
		TextLength: length,
		Source:     "internal",
	})
	if err != nil {
		log.Printf("collector: failed to encode clipboard payload: %v", err)
		return
	}
	c.sink(models.EventClipboard, models.BehaviorEvent{
		Kind:       models.EventClipboard,
		OccurredAt: sig.At,
		Payload:    payload,
	})
}
