package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vigila-backend/internal/config"
	"vigila-backend/internal/metrics"
	"vigila-backend/internal/models"
)

const sweepInterval = 1 * time.Minute

// SessionStore is the slice of the session repository the pool reads and
// flags through.
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	SetFlag(ctx context.Context, id uuid.UUID, kind string, flag models.SessionFlag) error
	ExpireStale(ctx context.Context, window time.Duration) (int64, error)
}

// Pool consumes anomaly jobs the hub enqueues for every ingested behavior
// event and location fix, evaluates them against the configured thresholds,
// and raises flags and alert broadcasts. It also runs the liveness sweep that
// abandons stale sessions.
type Pool struct {
	redis    *redis.Client
	repo     SessionStore
	cfg      *config.Config
	stopChan chan struct{}
}

func NewPool(redisClient *redis.Client, repo SessionStore, cfg *config.Config) *Pool {
	return &Pool{
		redis:    redisClient,
		repo:     repo,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		go p.worker(i)
	}
	go p.sweepLoop()

	log.Printf("Started %d anomaly worker goroutines", p.cfg.WorkerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Anomaly worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout
		result, err := p.redis.BLPop(ctx, 30*time.Second, models.IntegrityQueue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}

		var job models.AnomalyJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("Anomaly worker %d: failed to parse job: %v", id, err)
			continue
		}

		// Try to acquire lock so a redelivered job is evaluated once
		lockKey := fmt.Sprintf("anomaly_lock:%s", job.ID.String())
		locked, err := p.redis.SetNX(ctx, lockKey, "1", 10*time.Minute).Result()
		if err != nil || !locked {
			continue // Another worker has this job
		}

		if err := p.evaluate(ctx, job); err != nil {
			log.Printf("Anomaly worker %d: job %s failed: %v", id, job.ID, err)
		}
	}
}

func (p *Pool) evaluate(ctx context.Context, job models.AnomalyJob) error {
	switch job.Kind {
	case models.EventTabBlur:
		return p.evaluateTabBlur(ctx, job)
	case models.EventReloads:
		return p.evaluateReloads(ctx, job)
	case models.EventClipboard:
		return p.evaluateClipboard(ctx, job)
	case "location":
		return p.evaluateLocation(ctx, job)
	default:
		// visibilityChanges, socketDisconnects and the rest are recorded but
		// carry no threshold of their own.
		return nil
	}
}

func (p *Pool) evaluateTabBlur(ctx context.Context, job models.AnomalyJob) error {
	if job.Event == nil || job.Event.DurationMs == nil {
		return nil
	}
	duration := time.Duration(*job.Event.DurationMs) * time.Millisecond
	if duration < p.cfg.TabBlurThreshold {
		return nil
	}

	detail := fmt.Sprintf("tab hidden or window blurred for %s", duration)
	p.publishAlert(ctx, models.MsgSuspiciousBehavior, job, detail)
	return p.raiseFlag(ctx, job, models.FlagTabSwitching, detail)
}

func (p *Pool) evaluateReloads(ctx context.Context, job models.AnomalyJob) error {
	session, err := p.repo.Get(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	reloads := len(session.Behavior[models.EventReloads])
	if reloads < p.cfg.ReloadThreshold {
		return nil
	}
	if flag, ok := session.Flags[models.FlagExcessiveReloads]; ok && flag.Raised {
		return nil
	}

	detail := fmt.Sprintf("%d page reloads during the exam", reloads)
	p.publishAlert(ctx, models.MsgSuspiciousBehavior, job, detail)
	return p.raiseFlag(ctx, job, models.FlagExcessiveReloads, detail)
}

func (p *Pool) evaluateClipboard(ctx context.Context, job models.AnomalyJob) error {
	if job.Event == nil || len(job.Event.Payload) == 0 {
		return nil
	}

	var clip models.ClipboardPayload
	if err := json.Unmarshal(job.Event.Payload, &clip); err != nil {
		return fmt.Errorf("failed to parse clipboard payload: %w", err)
	}
	if clip.Type != "paste" || clip.TextLength < p.cfg.PasteLengthLimit {
		return nil
	}

	detail := fmt.Sprintf("paste of %d characters", clip.TextLength)
	p.publishAlert(ctx, models.MsgSuspiciousBehavior, job, detail)
	return p.raiseFlag(ctx, job, models.FlagClipboardPaste, detail)
}

func (p *Pool) evaluateLocation(ctx context.Context, job models.AnomalyJob) error {
	if job.Fix == nil {
		return nil
	}

	session, err := p.repo.Get(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if len(session.Location.History) == 0 {
		return nil
	}

	// Drift is measured against the first fix of the session.
	origin := session.Location.History[0]
	drift := haversineMeters(origin.Latitude, origin.Longitude, job.Fix.Latitude, job.Fix.Longitude)
	if drift < p.cfg.LocationDriftMeters {
		return nil
	}

	detail := fmt.Sprintf("location drifted %.0fm from session start", drift)
	p.publishAlert(ctx, models.MsgGPSAlert, job, detail)
	return p.raiseFlag(ctx, job, models.FlagLocationDrift, detail)
}

func (p *Pool) raiseFlag(ctx context.Context, job models.AnomalyJob, kind, reason string) error {
	flag := models.SessionFlag{
		Raised:   true,
		Reason:   reason,
		Source:   "server",
		RaisedAt: time.Now().UTC(),
	}
	if err := p.repo.SetFlag(ctx, job.SessionID, kind, flag); err != nil {
		return fmt.Errorf("failed to raise %s flag: %w", kind, err)
	}

	metrics.FlagsRaised.WithLabelValues(kind).Inc()
	log.Printf("Anomaly worker: flagged session %s (%s: %s)", job.SessionID, kind, reason)
	return nil
}

func (p *Pool) publishAlert(ctx context.Context, alertType string, job models.AnomalyJob, detail string) {
	alert := models.Alert{
		Type:      alertType,
		SessionID: job.SessionID.String(),
		UserID:    job.UserID.String(),
		Detail:    detail,
	}
	encoded, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := p.redis.Publish(ctx, models.AlertChannel, string(encoded)).Err(); err != nil {
		log.Printf("Anomaly worker: failed to publish alert: %v", err)
		return
	}
	metrics.AlertsRaised.WithLabelValues(alertType).Inc()
}

// sweepLoop abandons active sessions that stopped sending traffic. This is
// what ultimately closes out sessions whose transport dropped and never
// rejoined.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			expired, err := p.repo.ExpireStale(ctx, p.cfg.StaleSessionAfter)
			cancel()
			if err != nil {
				log.Printf("Anomaly worker: liveness sweep failed: %v", err)
				continue
			}
			if expired > 0 {
				metrics.SessionsExpired.Add(float64(expired))
				log.Printf("Anomaly worker: abandoned %d stale sessions", expired)
			}
		}
	}
}

// haversineMeters returns the great-circle distance between two coordinates.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000

	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
