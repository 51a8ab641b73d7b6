package worker

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vigila-backend/internal/config"
	"vigila-backend/internal/models"
)

type fakeStore struct {
	session *models.Session
	flags   []flaggedCall
}

type flaggedCall struct {
	kind string
	flag models.SessionFlag
}

func (f *fakeStore) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return f.session, nil
}

func (f *fakeStore) SetFlag(ctx context.Context, id uuid.UUID, kind string, flag models.SessionFlag) error {
	f.flags = append(f.flags, flaggedCall{kind: kind, flag: flag})
	return nil
}

func (f *fakeStore) ExpireStale(ctx context.Context, window time.Duration) (int64, error) {
	return 0, nil
}

// newTestPool wires the pool to a fake store. Alert publishing dials a closed
// port and fails fast; evaluation outcomes only depend on the store.
func newTestPool(store SessionStore) *Pool {
	cfg := &config.Config{
		TabBlurThreshold:    15 * time.Second,
		ReloadThreshold:     3,
		PasteLengthLimit:    200,
		LocationDriftMeters: 500,
	}
	return NewPool(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), store, cfg)
}

func newJob(kind string) models.AnomalyJob {
	return models.AnomalyJob{
		ID:        uuid.New(),
		SessionID: uuid.New(),
		UserID:    uuid.New(),
		Kind:      kind,
	}
}

func TestEvaluateTabBlur(t *testing.T) {
	tests := []struct {
		name       string
		durationMs *int64
		expectFlag bool
	}{
		{"no duration recorded", nil, false},
		{"just under threshold", int64Ptr(14999), false},
		{"at threshold", int64Ptr(15000), true},
		{"well over threshold", int64Ptr(60000), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			pool := newTestPool(store)

			job := newJob(models.EventTabBlur)
			job.Event = &models.BehaviorEvent{
				Kind:       models.EventTabBlur,
				OccurredAt: time.Now(),
				DurationMs: tc.durationMs,
			}

			if err := pool.evaluate(context.Background(), job); err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}

			if !tc.expectFlag {
				if len(store.flags) != 0 {
					t.Fatalf("Expected no flag, got %+v", store.flags)
				}
				return
			}
			if len(store.flags) != 1 {
				t.Fatalf("Expected 1 flag, got %d", len(store.flags))
			}
			if store.flags[0].kind != models.FlagTabSwitching {
				t.Errorf("Expected %s flag, got %s", models.FlagTabSwitching, store.flags[0].kind)
			}
			if !store.flags[0].flag.Raised || store.flags[0].flag.Source != "server" {
				t.Errorf("Unexpected flag contents: %+v", store.flags[0].flag)
			}
		})
	}
}

func TestEvaluateReloads(t *testing.T) {
	tests := []struct {
		name          string
		reloads       int
		alreadyRaised bool
		expectFlag    bool
	}{
		{"below threshold", 2, false, false},
		{"at threshold", 3, false, true},
		{"over threshold", 5, false, true},
		{"flag already raised", 4, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			session := &models.Session{
				Behavior: map[string][]models.BehaviorEvent{},
				Flags:    map[string]models.SessionFlag{},
			}
			for i := 0; i < tc.reloads; i++ {
				session.Behavior[models.EventReloads] = append(session.Behavior[models.EventReloads],
					models.BehaviorEvent{Kind: models.EventReloads, OccurredAt: time.Now()})
			}
			if tc.alreadyRaised {
				session.Flags[models.FlagExcessiveReloads] = models.SessionFlag{Raised: true}
			}

			store := &fakeStore{session: session}
			pool := newTestPool(store)

			if err := pool.evaluate(context.Background(), newJob(models.EventReloads)); err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}

			if tc.expectFlag {
				if len(store.flags) != 1 || store.flags[0].kind != models.FlagExcessiveReloads {
					t.Fatalf("Expected one %s flag, got %+v", models.FlagExcessiveReloads, store.flags)
				}
			} else if len(store.flags) != 0 {
				t.Fatalf("Expected no flag, got %+v", store.flags)
			}
		})
	}
}

func TestEvaluateClipboard(t *testing.T) {
	tests := []struct {
		name       string
		clipType   string
		textLength int
		expectFlag bool
	}{
		{"short paste", "paste", 199, false},
		{"paste at limit", "paste", 200, true},
		{"long paste", "paste", 5000, true},
		{"long copy is not a paste", "copy", 5000, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			pool := newTestPool(store)

			payload, err := json.Marshal(models.ClipboardPayload{
				Type:       tc.clipType,
				TextLength: tc.textLength,
				Source:     "internal",
			})
			if err != nil {
				t.Fatalf("Failed to marshal payload: %v", err)
			}

			job := newJob(models.EventClipboard)
			job.Event = &models.BehaviorEvent{
				Kind:       models.EventClipboard,
				OccurredAt: time.Now(),
				Payload:    payload,
			}

			if err := pool.evaluate(context.Background(), job); err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}

			if tc.expectFlag {
				if len(store.flags) != 1 || store.flags[0].kind != models.FlagClipboardPaste {
					t.Fatalf("Expected one %s flag, got %+v", models.FlagClipboardPaste, store.flags)
				}
			} else if len(store.flags) != 0 {
				t.Fatalf("Expected no flag, got %+v", store.flags)
			}
		})
	}
}

func TestEvaluateClipboardMalformedPayload(t *testing.T) {
	store := &fakeStore{}
	pool := newTestPool(store)

	job := newJob(models.EventClipboard)
	job.Event = &models.BehaviorEvent{
		Kind:    models.EventClipboard,
		Payload: json.RawMessage(`{not json`),
	}

	if err := pool.evaluate(context.Background(), job); err == nil {
		t.Fatal("Expected error for malformed clipboard payload")
	}
	if len(store.flags) != 0 {
		t.Fatalf("Expected no flag, got %+v", store.flags)
	}
}

func TestEvaluateLocationDrift(t *testing.T) {
	origin := models.LocationFix{Latitude: 43.2500, Longitude: 76.9500, CapturedAt: time.Now()}

	tests := []struct {
		name       string
		history    []models.LocationFix
		fix        *models.LocationFix
		expectFlag bool
	}{
		{"no fix in job", []models.LocationFix{origin}, nil, false},
		{"no history yet", nil, &models.LocationFix{Latitude: 44, Longitude: 77}, false},
		{"stationary", []models.LocationFix{origin}, &origin, false},
		// ~333m north of the origin
		{"small drift", []models.LocationFix{origin}, &models.LocationFix{Latitude: 43.2530, Longitude: 76.9500}, false},
		// ~1.1km north of the origin
		{"large drift", []models.LocationFix{origin}, &models.LocationFix{Latitude: 43.2600, Longitude: 76.9500}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{session: &models.Session{
				Location: models.LocationState{Enabled: true, History: tc.history},
			}}
			pool := newTestPool(store)

			job := newJob("location")
			job.Fix = tc.fix

			if err := pool.evaluate(context.Background(), job); err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}

			if tc.expectFlag {
				if len(store.flags) != 1 || store.flags[0].kind != models.FlagLocationDrift {
					t.Fatalf("Expected one %s flag, got %+v", models.FlagLocationDrift, store.flags)
				}
			} else if len(store.flags) != 0 {
				t.Fatalf("Expected no flag, got %+v", store.flags)
			}
		})
	}
}

func TestEvaluateUnknownKindIsRecordOnly(t *testing.T) {
	store := &fakeStore{}
	pool := newTestPool(store)

	for _, kind := range []string{models.EventVisibilityChanges, models.EventSocketDisconnects} {
		if err := pool.evaluate(context.Background(), newJob(kind)); err != nil {
			t.Fatalf("evaluate(%s) failed: %v", kind, err)
		}
	}
	if len(store.flags) != 0 {
		t.Fatalf("Expected no flags for record-only kinds, got %+v", store.flags)
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestHaversineMeters(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expectMeters           float64
		tolerance              float64
	}{
		{"same point", 43.25, 76.95, 43.25, 76.95, 0, 0.1},
		// ~111km per degree of latitude
		{"one degree of latitude", 0, 0, 1, 0, 111195, 200},
		// A short hop across a campus
		{"about 500m", 43.2500, 76.9500, 43.2545, 76.9500, 500, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := haversineMeters(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if math.Abs(got-tc.expectMeters) > tc.tolerance {
				t.Errorf("Expected ~%.0fm, got %.1fm", tc.expectMeters, got)
			}
		})
	}
}

func TestHaversineSymmetry(t *testing.T) {
	a := haversineMeters(43.25, 76.95, 51.16, 71.47)
	b := haversineMeters(51.16, 71.47, 43.25, 76.95)
	if math.Abs(a-b) > 0.001 {
		t.Errorf("Expected symmetric distance, got %v and %v", a, b)
	}
}
