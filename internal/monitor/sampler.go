package monitor

import (
	"context"
	"log"
	"time"

	"vigila-backend/internal/models"
)

const defaultSampleInterval = 30 * time.Second

// Sampler periodically re-queries the snapshot provider for a location fix
// and forwards the most recent one. It forwards nothing while location is
// disabled or before the first fix exists. Owned by the lifecycle controller:
// started on entering Active, cancelled the instant tracking ends.
type Sampler struct {
	interval  time.Duration
	snapshots SnapshotProvider
	forward   func(models.LocationFix)
	stopChan  chan struct{}
}

func NewSampler(interval time.Duration, snapshots SnapshotProvider, forward func(models.LocationFix)) *Sampler {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Sampler{
		interval:  interval,
		snapshots: snapshots,
		forward:   forward,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the poll loop in its own goroutine.
func (s *Sampler) Start() {
	go s.loop()
}

func (s *Sampler) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
}

func (s *Sampler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := s.snapshots.Location(ctx)
	if err != nil {
		log.Printf("location sampler: failed to read location: %v", err)
		return
	}
	if !state.Enabled || len(state.History) == 0 {
		return
	}

	s.forward(state.History[len(state.History)-1])
}
