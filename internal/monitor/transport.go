package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"vigila-backend/internal/models"
)

const (
	joinAckTimeout  = 10 * time.Second
	leaveAckTimeout = 5 * time.Second
	dialRetryDelay  = 500 * time.Millisecond
	dialMaxRetries  = 3
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("realtime transport not connected")
	// ErrAckTimeout means no acknowledgement arrived in time. The outcome is
	// unknown: the request may still have been delivered late.
	ErrAckTimeout = errors.New("timed out waiting for acknowledgement")
)

// RealtimeTransport is the long-lived bidirectional connection the lifecycle
// controller drives. Join and Leave block on acknowledgements; the Send
// methods are fire-and-forget.
type RealtimeTransport interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context, sessionID, userID string) error
	SendBehavior(kind string, event models.BehaviorEvent) error
	SendLocation(fix models.LocationFix) error
	SendStatus(status string) error
	SendFlag(sessionID, flagType, reason string) error
	Leave(ctx context.Context) error
	Disconnect()
}

// binding is the transport's session association. It is an immutable value
// swapped atomically; a second Join replaces it without warning, so callers
// must Leave before joining another session.
type binding struct {
	sessionID string
	userID    string
}

// Transport implements RealtimeTransport over a websocket connection.
type Transport struct {
	url       string
	authToken string

	mu      sync.Mutex // guards conn lifecycle and writes
	conn    *websocket.Conn
	done    chan struct{}
	binding atomic.Pointer[binding]

	waiterMu sync.Mutex
	waiters  map[string]chan models.Envelope

	joinTimeout  time.Duration
	leaveTimeout time.Duration
}

func NewTransport(url, authToken string) *Transport {
	return &Transport{
		url:          url,
		authToken:    authToken,
		waiters:      make(map[string]chan models.Envelope),
		joinTimeout:  joinAckTimeout,
		leaveTimeout: leaveAckTimeout,
	}
}

// Connect dials the realtime endpoint. Idempotent: a no-op when already
// connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	var conn *websocket.Conn
	operation := func() error {
		dialed, _, err := websocket.DefaultDialer.DialContext(ctx, t.url+"?token="+t.authToken, nil)
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(dialRetryDelay), dialMaxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, strategy); err != nil {
		return fmt.Errorf("failed to connect realtime transport: %w", err)
	}

	t.conn = conn
	t.done = make(chan struct{})
	go t.readLoop(conn, t.done)
	return nil
}

// Join performs the acknowledgement-bearing handshake that associates this
// connection with a session. On timeout or error the association is left
// untouched.
func (t *Transport) Join(ctx context.Context, sessionID, userID string) error {
	payload := models.JoinPayload{SessionID: sessionID, UserID: userID}

	if _, err := t.request(ctx, models.MsgJoinTestSession, payload, models.MsgSessionJoined, t.joinTimeout); err != nil {
		return fmt.Errorf("failed to join session %s: %w", sessionID, err)
	}

	t.binding.Store(&binding{sessionID: sessionID, userID: userID})
	return nil
}

func (t *Transport) SendBehavior(kind string, event models.BehaviorEvent) error {
	b := t.binding.Load()
	if b == nil {
		return ErrNotConnected
	}
	raw, err := marshalEvent(event)
	if err != nil {
		return err
	}
	return t.emit(models.MsgBehaviorEvent, models.BehaviorWirePayload{
		SessionID: b.sessionID,
		EventType: kind,
		EventData: raw,
	})
}

func (t *Transport) SendLocation(fix models.LocationFix) error {
	b := t.binding.Load()
	if b == nil {
		return ErrNotConnected
	}
	return t.emit(models.MsgLocationUpdate, models.LocationWirePayload{
		SessionID:    b.sessionID,
		LocationData: fix,
	})
}

func (t *Transport) SendStatus(status string) error {
	b := t.binding.Load()
	if b == nil {
		return ErrNotConnected
	}
	return t.emit(models.MsgSessionStatus, models.StatusWirePayload{
		SessionID: b.sessionID,
		Status:    status,
	})
}

// SendFlag takes an explicit session id because flagging is allowed before a
// join succeeds and after the client considers the session ended.
func (t *Transport) SendFlag(sessionID, flagType, reason string) error {
	if sessionID == "" {
		if b := t.binding.Load(); b != nil {
			sessionID = b.sessionID
		}
	}
	return t.emit(models.MsgFlagSession, models.FlagWirePayload{
		SessionID: sessionID,
		FlagType:  flagType,
		Reason:    reason,
	})
}

// Leave ends the realtime association. Success or failure, the association is
// cleared; a timeout means the end request may still land server-side.
func (t *Transport) Leave(ctx context.Context) error {
	b := t.binding.Swap(nil)
	if b == nil {
		return nil
	}

	payload := models.EndWirePayload{SessionID: b.sessionID}
	if _, err := t.request(ctx, models.MsgEndSession, payload, models.MsgSessionEnded, t.leaveTimeout); err != nil {
		return fmt.Errorf("failed to leave session %s: %w", b.sessionID, err)
	}
	return nil
}

// Disconnect tears the connection down and clears all state. Closing the
// socket stops the read loop, whose done channel unblocks any request still
// waiting on an acknowledgement. Reply channels are never closed: a pending
// request holds the same channel under two waiter keys.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.binding.Store(nil)

	t.waiterMu.Lock()
	t.waiters = make(map[string]chan models.Envelope)
	t.waiterMu.Unlock()
}

// emit writes one fire-and-forget frame. The matching advisory ack, if one
// arrives, is logged by the read loop and never awaited.
func (t *Transport) emit(event string, data interface{}) error {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteJSON(env)
}

// request writes a frame and blocks for its success reply or an error frame,
// bounded by timeout. The waiter is registered before the write so a fast
// reply cannot be missed.
func (t *Transport) request(ctx context.Context, event string, data interface{}, successEvent string, timeout time.Duration) (models.Envelope, error) {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return models.Envelope{}, ErrNotConnected
	}
	done := t.done
	t.mu.Unlock()

	ch := make(chan models.Envelope, 2)
	t.addWaiter(successEvent, ch)
	t.addWaiter(models.MsgError, ch)
	defer func() {
		t.removeWaiter(successEvent, ch)
		t.removeWaiter(models.MsgError, ch)
	}()

	if err := t.emit(event, data); err != nil {
		return models.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Event == models.MsgError {
			var errPayload models.ErrorPayload
			_ = unmarshalData(reply.Data, &errPayload)
			return models.Envelope{}, fmt.Errorf("server error: %s", errPayload.Message)
		}
		return reply, nil
	case <-timer.C:
		return models.Envelope{}, fmt.Errorf("%w after %s (outcome unknown)", ErrAckTimeout, timeout)
	case <-ctx.Done():
		return models.Envelope{}, ctx.Err()
	case <-done:
		return models.Envelope{}, ErrNotConnected
	}
}

func (t *Transport) addWaiter(event string, ch chan models.Envelope) {
	t.waiterMu.Lock()
	t.waiters[event] = ch
	t.waiterMu.Unlock()
}

func (t *Transport) removeWaiter(event string, ch chan models.Envelope) {
	t.waiterMu.Lock()
	if t.waiters[event] == ch {
		delete(t.waiters, event)
	}
	t.waiterMu.Unlock()
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			log.Printf("realtime transport: connection closed: %v", err)
			return
		}

		t.waiterMu.Lock()
		ch, ok := t.waiters[env.Event]
		if ok {
			delete(t.waiters, env.Event)
		}
		t.waiterMu.Unlock()

		if ok {
			ch <- env
			continue
		}

		// Advisory acknowledgements for fire-and-forget emits.
		log.Printf("realtime transport: %s", env.Event)
	}
}

func marshalEvent(event models.BehaviorEvent) (json.RawMessage, error) {
	return json.Marshal(event)
}

func unmarshalData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
