// Package mic gates microphone access behind a device probe.
package mic

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/avelin/parley/internal/audio"
)

// Access is the reduced outcome of the most recent acquisition attempt.
// ShowHint is set exactly when that attempt failed.
type Access struct {
	Granted  bool
	ShowHint bool
}

// ProbeFunc attempts to acquire a usable capture source. A nil error
// means access is granted.
type ProbeFunc func(context.Context) error

// Gate reduces the device-access outcome space to granted-or-not plus a
// user-facing hint. Failure is never fatal; callers decide whether to retry.
type Gate struct {
	logger *slog.Logger
	probe  ProbeFunc

	mu     sync.Mutex
	access Access
}

// NewGate constructs a gate. A nil probe uses the Pulse device probe.
func NewGate(logger *slog.Logger, probe ProbeFunc) *Gate {
	if probe == nil {
		probe = DeviceProbe
	}
	return &Gate{logger: logger, probe: probe}
}

// RequestAccess runs one acquisition attempt and records its outcome.
// Repeated calls after denial are allowed.
func (g *Gate) RequestAccess(ctx context.Context) bool {
	err := g.probe(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		if g.logger != nil {
			g.logger.Warn("microphone access denied", "error", err.Error())
		}
		g.access = Access{Granted: false, ShowHint: true}
		return false
	}

	g.access = Access{Granted: true, ShowHint: false}
	return true
}

// Access returns the outcome of the most recent attempt.
func (g *Gate) Access() Access {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.access
}

// DeviceProbe grants access when the Pulse server is reachable and at
// least one input source is available and unmuted.
func DeviceProbe(ctx context.Context) error {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if dev.Usable() {
			return nil
		}
	}
	return errors.New("no usable microphone source found")
}
