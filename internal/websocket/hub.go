package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"vigila-backend/internal/metrics"
	"vigila-backend/internal/middleware"
	"vigila-backend/internal/models"
	"vigila-backend/internal/repository"
)

const writeRetryDelay = 200 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one websocket connection. sessionID is uuid.Nil until a join
// succeeds; only one session can be associated with a connection at a time
// and a second join replaces the first.
type client struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	sessionID uuid.UUID
	userID    uuid.UUID
}

// writeEnvelope sends one frame, retrying transient failures a few times the
// way the rest of the platform writes to websockets.
func (c *client) writeEnvelope(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	operation := func() error {
		return c.conn.WriteJSON(env)
	}
	strategy := backoff.WithMaxRetries(backoff.NewConstantBackOff(writeRetryDelay), 3)
	return backoff.Retry(operation, strategy)
}

func (c *client) reply(event string, data interface{}) {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		log.Printf("ws: failed to encode %s reply: %v", event, err)
		return
	}
	if err := c.writeEnvelope(env); err != nil {
		log.Printf("ws: failed to write %s reply: %v", event, err)
	}
}

func (c *client) replyError(message string) {
	c.reply(models.MsgError, models.ErrorPayload{Message: message})
}

// Hub serves the realtime protocol: exam clients join a session and stream
// behavior/location/status/flag messages; admin observers receive alert
// broadcasts fanned out over redis pub/sub.
type Hub struct {
	repo    *repository.SessionRepo
	queue   *redis.Client
	pubsub  *redis.Client
	jwtAuth *middleware.JWTAuth

	mu     sync.RWMutex
	admins map[*client]struct{}
}

func NewHub(repo *repository.SessionRepo, queue, pubsub *redis.Client, jwtAuth *middleware.JWTAuth) *Hub {
	return &Hub{
		repo:    repo,
		queue:   queue,
		pubsub:  pubsub,
		jwtAuth: jwtAuth,
		admins:  make(map[*client]struct{}),
	}
}

// Start begins the alert fan-out loop. Blocks until ctx is cancelled, so run
// it in its own goroutine.
func (h *Hub) Start(ctx context.Context) {
	sub := h.pubsub.Subscribe(ctx, models.AlertChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcastAlert([]byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcastAlert(payload []byte) {
	var alert models.Alert
	if err := json.Unmarshal(payload, &alert); err != nil {
		log.Printf("ws: malformed alert payload: %v", err)
		return
	}

	env, err := models.NewEnvelope(alert.Type, alert)
	if err != nil {
		return
	}

	h.mu.RLock()
	observers := make([]*client, 0, len(h.admins))
	for c := range h.admins {
		observers = append(observers, c)
	}
	h.mu.RUnlock()

	for _, c := range observers {
		if err := c.writeEnvelope(env); err != nil {
			log.Printf("ws: failed to deliver alert to observer: %v", err)
		}
	}
}

// HandleSession upgrades an exam client connection. Auth token comes as a
// query parameter because browsers cannot set headers on websocket dials.
func (h *Hub) HandleSession(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, userID: userID}
	metrics.ConnectedClients.Inc()
	log.Printf("ws: client connected (user %s)", userID)

	go h.readLoop(c)
}

// HandleAdmin upgrades an admin observer connection. Observers receive
// suspicious_behavior, gps_alert and session_flagged broadcasts and never
// acknowledge them.
func (h *Hub) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	_, role, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if role != "admin" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: admin upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.admins[c] = struct{}{}
	h.mu.Unlock()
	metrics.ConnectedClients.Inc()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.admins, c)
			h.mu.Unlock()
			conn.Close()
			metrics.ConnectedClients.Dec()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) authenticate(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, "", false
	}

	userID, role, err := h.jwtAuth.Verify(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, "", false
	}
	return userID, role, true
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.handleDisconnect(c)
		c.conn.Close()
		metrics.ConnectedClients.Dec()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.replyError("malformed message")
			continue
		}

		h.dispatch(c, env)
	}
}

func (h *Hub) dispatch(c *client, env models.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Event {
	case models.MsgJoinTestSession:
		h.handleJoin(ctx, c, env.Data)
	case models.MsgBehaviorEvent:
		h.handleBehavior(ctx, c, env.Data)
	case models.MsgLocationUpdate:
		h.handleLocation(ctx, c, env.Data)
	case models.MsgSessionStatus:
		h.handleStatus(ctx, c, env.Data)
	case models.MsgFlagSession:
		h.handleFlag(ctx, c, env.Data)
	case models.MsgEndSession:
		h.handleEnd(ctx, c, env.Data)
	default:
		c.replyError("unknown message: " + env.Event)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *client, data json.RawMessage) {
	var payload models.JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.replyError("malformed join payload")
		return
	}

	sessionID, err := uuid.Parse(payload.SessionID)
	if err != nil {
		c.replyError("invalid session_id")
		return
	}

	session, err := h.repo.Get(ctx, sessionID)
	if err != nil {
		c.replyError("session not found")
		return
	}
	if session.UserID != c.userID {
		c.replyError("session belongs to another user")
		return
	}
	if session.EndedAt != nil {
		c.replyError("session already ended")
		return
	}

	if err := h.repo.SetStatus(ctx, sessionID, models.StatusActive); err != nil {
		log.Printf("ws: failed to activate session %s: %v", sessionID, err)
		c.replyError("failed to join session")
		return
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	c.reply(models.MsgSessionJoined, map[string]string{
		"session_id": sessionID.String(),
		"status":     models.StatusActive,
	})
	log.Printf("ws: user %s joined session %s", c.userID, sessionID)
}

func (h *Hub) joinedSession(c *client) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == uuid.Nil {
		return uuid.Nil, false
	}
	return c.sessionID, true
}

func (h *Hub) handleBehavior(ctx context.Context, c *client, data json.RawMessage) {
	sessionID, ok := h.joinedSession(c)
	if !ok {
		c.replyError("no session joined")
		return
	}

	var payload models.BehaviorWirePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.replyError("malformed behavior payload")
		return
	}

	var event models.BehaviorEvent
	if err := json.Unmarshal(payload.EventData, &event); err != nil || payload.EventType == "" {
		c.replyError("malformed behavior event")
		return
	}
	event.Kind = payload.EventType
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if err := h.repo.AppendBehavior(ctx, sessionID, event); err != nil {
		log.Printf("ws: failed to record %s event for %s: %v", event.Kind, sessionID, err)
		c.replyError("failed to record event")
		return
	}

	metrics.EventsIngested.WithLabelValues(event.Kind).Inc()
	h.enqueue(ctx, models.AnomalyJob{
		ID:        uuid.New(),
		SessionID: sessionID,
		UserID:    c.userID,
		Kind:      event.Kind,
		Event:     &event,
	})

	c.reply(models.MsgBehaviorRecorded, map[string]string{
		"session_id": sessionID.String(),
		"event_type": event.Kind,
	})
}

func (h *Hub) handleLocation(ctx context.Context, c *client, data json.RawMessage) {
	sessionID, ok := h.joinedSession(c)
	if !ok {
		c.replyError("no session joined")
		return
	}

	var payload models.LocationWirePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.replyError("malformed location payload")
		return
	}

	fix := payload.LocationData
	if fix.CapturedAt.IsZero() {
		fix.CapturedAt = time.Now().UTC()
	}

	if err := h.repo.AppendLocation(ctx, sessionID, fix); err != nil {
		log.Printf("ws: failed to record location for %s: %v", sessionID, err)
		c.replyError("failed to record location")
		return
	}

	metrics.LocationUpdates.Inc()
	h.enqueue(ctx, models.AnomalyJob{
		ID:        uuid.New(),
		SessionID: sessionID,
		UserID:    c.userID,
		Kind:      "location",
		Fix:       &fix,
	})

	c.reply(models.MsgLocationUpdated, map[string]string{
		"session_id": sessionID.String(),
	})
}

func (h *Hub) handleStatus(ctx context.Context, c *client, data json.RawMessage) {
	sessionID, ok := h.joinedSession(c)
	if !ok {
		c.replyError("no session joined")
		return
	}

	var payload models.StatusWirePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Status == "" {
		c.replyError("malformed status payload")
		return
	}

	if err := h.repo.SetStatus(ctx, sessionID, payload.Status); err != nil {
		log.Printf("ws: failed to update status for %s: %v", sessionID, err)
		c.replyError("failed to update status")
		return
	}

	c.reply(models.MsgStatusUpdated, map[string]string{
		"session_id": sessionID.String(),
		"status":     payload.Status,
	})
}

func (h *Hub) handleFlag(ctx context.Context, c *client, data json.RawMessage) {
	var payload models.FlagWirePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.FlagType == "" {
		c.replyError("malformed flag payload")
		return
	}

	// Flagging does not require a join; a session can be flagged while still
	// initializing or after the client considers it ended.
	sessionID, err := uuid.Parse(payload.SessionID)
	if err != nil {
		if joined, ok := h.joinedSession(c); ok {
			sessionID = joined
		} else {
			c.replyError("invalid session_id")
			return
		}
	}

	flag := models.SessionFlag{
		Raised:   true,
		Reason:   payload.Reason,
		Source:   "client",
		RaisedAt: time.Now().UTC(),
	}
	if err := h.repo.SetFlag(ctx, sessionID, payload.FlagType, flag); err != nil {
		log.Printf("ws: failed to flag session %s: %v", sessionID, err)
		c.replyError("failed to flag session")
		return
	}

	metrics.FlagsRaised.WithLabelValues(payload.FlagType).Inc()
	h.publishAlert(ctx, models.Alert{
		Type:      models.MsgSessionFlagged,
		SessionID: sessionID.String(),
		UserID:    c.userID.String(),
		Detail:    payload.FlagType + ": " + payload.Reason,
	})

	c.reply(models.MsgSessionFlagged, map[string]string{
		"session_id": sessionID.String(),
		"flag_type":  payload.FlagType,
	})
}

func (h *Hub) handleEnd(ctx context.Context, c *client, data json.RawMessage) {
	sessionID, ok := h.joinedSession(c)
	if !ok {
		// Fall back to the payload so an end can land after a reconnect.
		var payload models.EndWirePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			c.replyError("no session joined")
			return
		}
		parsed, err := uuid.Parse(payload.SessionID)
		if err != nil {
			c.replyError("invalid session_id")
			return
		}
		sessionID = parsed
	}

	if err := h.repo.End(ctx, sessionID, models.StatusCompleted, time.Now().UTC()); err != nil {
		log.Printf("ws: failed to end session %s: %v", sessionID, err)
		c.replyError("failed to end session")
		return
	}

	c.mu.Lock()
	c.sessionID = uuid.Nil
	c.mu.Unlock()

	c.reply(models.MsgSessionEnded, map[string]string{
		"session_id": sessionID.String(),
	})
	log.Printf("ws: session %s ended", sessionID)
}

// handleDisconnect records a socketDisconnects bucket entry when a joined
// connection drops without ending its session. The client does not rejoin;
// the anomaly worker's liveness sweep abandons the session if nothing more
// arrives.
func (h *Hub) handleDisconnect(c *client) {
	sessionID, ok := h.joinedSession(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := models.BehaviorEvent{
		Kind:       models.EventSocketDisconnects,
		OccurredAt: time.Now().UTC(),
	}
	if err := h.repo.AppendBehavior(ctx, sessionID, event); err != nil {
		log.Printf("ws: failed to record disconnect for %s: %v", sessionID, err)
	}
	log.Printf("ws: client disconnected mid-session (session %s)", sessionID)
}

func (h *Hub) enqueue(ctx context.Context, job models.AnomalyJob) {
	encoded, err := json.Marshal(job)
	if err != nil {
		log.Printf("ws: failed to encode anomaly job: %v", err)
		return
	}
	if err := h.queue.LPush(ctx, models.IntegrityQueue, string(encoded)).Err(); err != nil {
		log.Printf("ws: failed to enqueue anomaly job: %v", err)
	}
}

func (h *Hub) publishAlert(ctx context.Context, alert models.Alert) {
	encoded, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := h.pubsub.Publish(ctx, models.AlertChannel, string(encoded)).Err(); err != nil {
		log.Printf("ws: failed to publish alert: %v", err)
	}
}
