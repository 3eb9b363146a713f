package health

import (
	"context"
	"time"
)

// Prober is the probe surface of a registered backend. The returned
// duration is the backend's own round-trip measurement; zero means the
// caller should time the call itself.
type Prober interface {
	Name() string
	HealthCheck(ctx context.Context) (time.Duration, error)
}
