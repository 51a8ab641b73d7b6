package monitor

import (
	"context"

	"vigila-backend/internal/models"
)

// SnapshotProvider produces the one-time descriptors captured when a session
// starts. Implementations bridge to whatever hosts the exam (a webview shell,
// a kiosk agent); the controller treats them as plain data. Location is the
// only method called again after initialization, by the location sampler.
type SnapshotProvider interface {
	Device(ctx context.Context) (models.DeviceSnapshot, error)
	Locale(ctx context.Context) (models.LocaleSnapshot, error)
	Permissions(ctx context.Context) (models.PermissionsSnapshot, error)
	Location(ctx context.Context) (models.LocationState, error)
}
