package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vigila-backend/internal/models"
)

// State is the lifecycle controller's position in
// Idle → Initializing → Active → Ending → Idle.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// ClientSession is the controller's local view of the session it is tracking.
// Discarded on end, never reused.
type ClientSession struct {
	ID           string
	UserID       string
	TestResultID string
	Token        string
}

// Controller orchestrates the whole integrity pipeline: snapshot capture,
// session creation, realtime join, the event collector and the location
// sampler. It is the only type the exam UI talks to. Tracking is a
// best-effort enhancement: no failure in here may ever gate or interrupt the
// exam itself.
type Controller struct {
	records   RecordService
	transport RealtimeTransport
	snapshots SnapshotProvider
	signals   SignalSource

	mu        sync.Mutex // serializes Initialize and End
	state     State
	session   atomic.Pointer[ClientSession]
	tracking  atomic.Bool
	collector *Collector
	sampler   *Sampler

	sampleInterval time.Duration
}

func NewController(records RecordService, transport RealtimeTransport, snapshots SnapshotProvider, signals SignalSource) *Controller {
	return &Controller{
		records:        records,
		transport:      transport,
		snapshots:      snapshots,
		signals:        signals,
		sampleInterval: defaultSampleInterval,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tracking reports whether behavior is being recorded right now.
func (c *Controller) Tracking() bool {
	return c.tracking.Load()
}

// Session returns the local session view, or nil outside a session.
func (c *Controller) Session() *ClientSession {
	return c.session.Load()
}

// Initialize starts integrity tracking for one exam attempt. A missing user
// or test-result id is a silent no-op: the exam proceeds untracked. Any
// failure after that is returned as a descriptive error and leaves the
// controller Idle; callers log it and start the exam anyway.
func (c *Controller) Initialize(ctx context.Context, userID, testResultID string) error {
	if userID == "" || testResultID == "" {
		log.Printf("session controller: missing user or test result id, tracking skipped")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Only one session may hold the transport association; an active session
	// is ended before the next one starts.
	if c.session.Load() != nil {
		c.endLocked(ctx)
	}

	c.state = StateInitializing

	fail := func(err error) error {
		c.session.Store(nil)
		c.state = StateIdle
		return err
	}

	req := c.buildCreateRequest(ctx, userID, testResultID)

	record, err := c.records.Create(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("session controller: %w", err))
	}

	// The session object exists from here on, so it can already be flagged
	// even though tracking has not started yet.
	c.session.Store(&ClientSession{
		ID:           record.ID,
		UserID:       userID,
		TestResultID: testResultID,
		Token:        req.SessionToken,
	})

	if err := c.transport.Connect(ctx); err != nil {
		return fail(fmt.Errorf("session controller: %w", err))
	}

	if err := c.transport.Join(ctx, record.ID, userID); err != nil {
		return fail(fmt.Errorf("session controller: %w", err))
	}

	// Join succeeded: flip to Active and start the collectors.
	c.state = StateActive
	c.tracking.Store(true)

	c.collector = NewCollector(&c.tracking, c.RecordBehavior)
	go c.collector.Run(c.signals)

	c.sampler = NewSampler(c.sampleInterval, c.snapshots, c.UpdateLocation)
	c.sampler.Start()

	log.Printf("session controller: tracking session %s", record.ID)
	return nil
}

// buildCreateRequest captures the one-time snapshots. Snapshot failures are
// not fatal; the session starts with whatever could be captured.
func (c *Controller) buildCreateRequest(ctx context.Context, userID, testResultID string) models.CreateSessionRequest {
	device, err := c.snapshots.Device(ctx)
	if err != nil {
		log.Printf("session controller: device snapshot failed: %v", err)
	}
	locale, err := c.snapshots.Locale(ctx)
	if err != nil {
		log.Printf("session controller: locale snapshot failed: %v", err)
	}
	permissions, err := c.snapshots.Permissions(ctx)
	if err != nil {
		log.Printf("session controller: permissions snapshot failed: %v", err)
	}
	location, err := c.snapshots.Location(ctx)
	if err != nil {
		log.Printf("session controller: location snapshot failed: %v", err)
	}

	return models.CreateSessionRequest{
		UserID:       userID,
		TestResultID: testResultID,
		Device:       device,
		Locale:       locale,
		Permissions:  permissions,
		Location:     location,
		SessionToken: uuid.NewString(),
	}
}

// RecordBehavior forwards one behavior event. Fire-and-forget: a no-op unless
// Active, and failures are logged, never surfaced.
func (c *Controller) RecordBehavior(kind string, event models.BehaviorEvent) {
	if !c.tracking.Load() {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := c.transport.SendBehavior(kind, event); err != nil {
		log.Printf("session controller: failed to record %s event: %v", kind, err)
	}
}

// UpdateLocation forwards a location fix with the same gating as
// RecordBehavior.
func (c *Controller) UpdateLocation(fix models.LocationFix) {
	if !c.tracking.Load() {
		return
	}
	if err := c.transport.SendLocation(fix); err != nil {
		log.Printf("session controller: failed to update location: %v", err)
	}
}

// UpdateStatus reports a client-side status change, gated like RecordBehavior.
func (c *Controller) UpdateStatus(status string) {
	if !c.tracking.Load() {
		return
	}
	if err := c.transport.SendStatus(status); err != nil {
		log.Printf("session controller: failed to update status: %v", err)
	}
}

// FlagSession raises a review flag. Unlike the recorders it only needs a
// session to exist: a session can be flagged while still initializing or
// after the client already ended it, since the server owns the decision.
func (c *Controller) FlagSession(flagType, reason string) {
	session := c.session.Load()
	if session == nil {
		return
	}
	if err := c.transport.SendFlag(session.ID, flagType, reason); err != nil {
		log.Printf("session controller: failed to flag session %s: %v", session.ID, err)
	}
}

// End stops tracking. Best-effort: the transport leave and the end API call
// each get a bounded attempt, and local state is cleared no matter what so
// the controller can never stay stuck in Ending. A no-op without a session.
func (c *Controller) End(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(ctx)
}

func (c *Controller) endLocked(ctx context.Context) {
	session := c.session.Load()
	if session == nil {
		return
	}

	c.state = StateEnding

	// Cancel the feeders synchronously with the transition so nothing emits
	// after this point.
	c.tracking.Store(false)
	if c.sampler != nil {
		c.sampler.Stop()
		c.sampler = nil
	}
	if c.collector != nil {
		c.collector.Stop()
		c.collector = nil
	}

	if err := c.transport.Leave(ctx); err != nil {
		log.Printf("session controller: leave failed for %s: %v", session.ID, err)
	}
	if err := c.records.End(ctx, session.ID); err != nil {
		log.Printf("session controller: end call failed for %s: %v", session.ID, err)
	}

	c.session.Store(nil)
	c.state = StateIdle
	log.Printf("session controller: session %s ended", session.ID)
}

// Shutdown is the unmount path: a single best-effort End, no retry, for when
// the hosting view is being discarded. Completion is not guaranteed.
func (c *Controller) Shutdown() {
	if !c.tracking.Load() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.End(ctx)
	}()
}
