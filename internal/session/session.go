// Package session coordinates connect-attempt lifecycle state and queue
// negotiation for one voice session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avelin/parley/internal/admission"
	"github.com/avelin/parley/internal/fsm"
	"github.com/avelin/parley/internal/ipc"
	"github.com/avelin/parley/internal/mic"
)

// Bootstrapper is the session-facing subset of the audio pipeline bootstrapper.
type Bootstrapper interface {
	Ensure(context.Context) error
	Ready() bool
	Teardown() error
}

// Gate is the session-facing subset of the microphone permission gate.
type Gate interface {
	RequestAccess(context.Context) bool
	Access() mic.Access
}

// QueueWatch is one active admission negotiation.
type QueueWatch interface {
	Updates() <-chan admission.Update
	Close() error
}

// Queue opens admission negotiations.
type Queue interface {
	Join(ctx context.Context, queueID string) (QueueWatch, error)
}

// QueueFunc adapts a function to the Queue interface.
type QueueFunc func(ctx context.Context, queueID string) (QueueWatch, error)

func (f QueueFunc) Join(ctx context.Context, queueID string) (QueueWatch, error) {
	return f(ctx, queueID)
}

// Notifier is the session-facing subset of user-surface behavior.
type Notifier interface {
	ShowConnecting(context.Context)
	ShowMicHint(context.Context)
	ShowQueuePosition(context.Context, string)
	ShowReady(context.Context, bool)
	ShowError(context.Context, string)
}

// noopNotifier preserves session flow when no surface is wired.
type noopNotifier struct{}

func (noopNotifier) ShowConnecting(context.Context)            {}
func (noopNotifier) ShowMicHint(context.Context)               {}
func (noopNotifier) ShowQueuePosition(context.Context, string) {}
func (noopNotifier) ShowReady(context.Context, bool)           {}
func (noopNotifier) ShowError(context.Context, string)         {}

// Snapshot is the externally visible state of the machine. The surface
// layer is a pure function of the most recent snapshot.
type Snapshot struct {
	Status        fsm.State
	Ready         bool
	Granted       bool
	ShowHint      bool
	QueuePosition string
	Credentials   *admission.Credentials
	ErrMessage    string
}

// Result is the complete lifecycle output returned by one Connect invocation.
type Result struct {
	Status      fsm.State
	Ready       bool
	Denied      bool
	Cancelled   bool
	Credentials *admission.Credentials
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Options carry the per-session entry parameters and optional wiring.
type Options struct {
	QueueID    string
	WorkerAddr string
	Notifier   Notifier
	OnChange   func(Snapshot)
}

// Controller orchestrates one session's state transitions and side effects.
// Only the controller mutates the pipeline handle, and only through the
// bootstrapper's idempotent acquisition.
type Controller struct {
	logger   *slog.Logger
	boot     Bootstrapper
	gate     Gate
	queue    Queue
	notifier Notifier
	onChange func(Snapshot)

	queueID    string
	workerAddr string

	mu       sync.RWMutex
	status   fsm.State
	position string
	creds    *admission.Credentials
	errMsg   string

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewController constructs a session controller with safe default fallbacks.
func NewController(logger *slog.Logger, boot Bootstrapper, gate Gate, queue Queue, opts Options) *Controller {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Controller{
		logger:     logger,
		boot:       boot,
		gate:       gate,
		queue:      queue,
		notifier:   notifier,
		onChange:   opts.OnChange,
		queueID:    opts.QueueID,
		workerAddr: opts.WorkerAddr,
		status:     fsm.StateIdle,
	}
}

// Status returns the current FSM state snapshot.
func (c *Controller) Status() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Ready reports the readiness predicate: microphone granted and the
// pipeline handle fully populated. Level-triggered; callers may ask at
// any time and in any completion order of the two preconditions.
func (c *Controller) Ready() bool {
	return c.gate.Access().Granted && c.boot.Ready()
}

// Snapshot returns the externally visible machine state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	access := c.gate.Access()
	return Snapshot{
		Status:        c.status,
		Ready:         access.Granted && c.boot.Ready(),
		Granted:       access.Granted,
		ShowHint:      access.ShowHint,
		QueuePosition: c.position,
		Credentials:   c.creds,
		ErrMessage:    c.errMsg,
	}
}

// transition applies one FSM event and emits the resulting snapshot.
func (c *Controller) transition(event fsm.Event) error {
	c.mu.Lock()
	next, err := fsm.Transition(c.status, event)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.status = next
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snapshot)
	return nil
}

func (c *Controller) emit(snapshot Snapshot) {
	if c.onChange != nil {
		c.onChange(snapshot)
	}
}

// Connect executes one connect attempt: bootstrap the audio pipeline,
// request microphone access, then negotiate worker admission. All
// dependency failures are converted into enumerated states here; none
// escape to the caller as a raw panic.
func (c *Controller) Connect(ctx context.Context) Result {
	result := Result{StartedAt: time.Now()}

	if err := c.transition(fsm.EventConnect); err != nil {
		result.Status = c.Status()
		result.Err = err
		result.FinishedAt = time.Now()
		return result
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.setCancel(cancel)
	defer c.setCancel(nil)

	c.notifier.ShowConnecting(ctx)

	// Pipeline first: once permission lands there is no further latency
	// before capture can begin. The two have no data dependency.
	if err := c.boot.Ensure(ctx); err != nil {
		c.failWith(ctx, fmt.Sprintf("audio pipeline init failed: %v", err))
		result.Status = c.Status()
		result.Err = err
		result.FinishedAt = time.Now()
		return result
	}

	if !c.gate.RequestAccess(ctx) {
		// Recoverable: back to idle, surface the hint, let the user retry.
		_ = c.transition(fsm.EventMicDenied)
		c.notifier.ShowMicHint(ctx)
		result.Status = c.Status()
		result.Denied = true
		result.FinishedAt = time.Now()
		return result
	}

	if err := c.transition(fsm.EventPreflightOK); err != nil {
		c.failWith(ctx, err.Error())
		result.Status = c.Status()
		result.Err = err
		result.FinishedAt = time.Now()
		return result
	}
	c.notifier.ShowReady(ctx, c.workerAddr != "")

	creds, negotiation := c.negotiate(ctx)
	result.Status = c.Status()
	result.Ready = c.Ready()
	result.Credentials = creds
	result.Err = negotiation
	result.Cancelled = errors.Is(negotiation, context.Canceled)
	result.FinishedAt = time.Now()
	return result
}

// negotiate obtains worker credentials: directly when an override address
// was supplied, otherwise through the admission queue.
func (c *Controller) negotiate(ctx context.Context) (*admission.Credentials, error) {
	if c.workerAddr != "" {
		creds := &admission.Credentials{
			SessionID:  uuid.NewString(),
			WorkerAddr: c.workerAddr,
		}
		c.setCredentials(creds)
		if err := c.transition(fsm.EventCredentials); err != nil {
			return nil, err
		}
		return creds, nil
	}

	watch, err := c.queue.Join(ctx, c.queueID)
	if err != nil {
		c.failWith(ctx, fmt.Sprintf("admission join failed: %v", err))
		return nil, err
	}
	defer func() { _ = watch.Close() }()

	enqueued := false
	for {
		select {
		case <-ctx.Done():
			c.resetToIdle()
			return nil, ctx.Err()
		case update, ok := <-watch.Updates():
			if !ok {
				c.failWith(ctx, "admission stream ended without a terminal status")
				return nil, errors.New("admission stream ended without a terminal status")
			}

			switch update.Status {
			case admission.StatusInQueue:
				event := fsm.EventQueueUpdate
				if !enqueued {
					event = fsm.EventEnqueued
					enqueued = true
				}
				c.setPosition(update.Position)
				_ = c.transition(event)
				c.notifier.ShowQueuePosition(ctx, update.Position)
			case admission.StatusHasCredentials:
				c.setCredentials(update.Credentials)
				_ = c.transition(fsm.EventCredentials)
				return update.Credentials, nil
			case admission.StatusNoQueue:
				// Surfaced verbatim; retry policy belongs to the service.
				_ = c.transition(fsm.EventNoQueue)
				c.notifier.ShowError(ctx, "no queue is available")
				return nil, nil
			case admission.StatusError:
				c.failWith(ctx, update.Message)
				return nil, fmt.Errorf("admission error: %s", update.Message)
			}
		}
	}
}

// Handle serves IPC commands for the active session.
func (c *Controller) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case "status":
		snapshot := c.Snapshot()
		return ipc.Response{
			OK:       true,
			Status:   string(snapshot.Status),
			Position: snapshot.QueuePosition,
			Message:  "status",
		}
	case "cancel":
		if c.requestCancel() {
			return ipc.Response{OK: true, Status: string(c.Status()), Message: "cancel requested"}
		}
		return ipc.Response{OK: false, Status: string(c.Status()), Error: "no connect attempt in flight"}
	default:
		return ipc.Response{OK: false, Status: string(c.Status()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (c *Controller) setCancel(cancel context.CancelFunc) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	c.cancel = cancel
}

func (c *Controller) requestCancel() bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// setCredentials records credentials once; they are immutable for the
// session lifetime.
func (c *Controller) setCredentials(creds *admission.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds != nil {
		if c.logger != nil {
			c.logger.Warn("ignoring credential overwrite attempt")
		}
		return
	}
	c.creds = creds
}

func (c *Controller) setPosition(position string) {
	c.mu.Lock()
	c.position = position
	c.mu.Unlock()
}

// failWith converts a dependency failure into the error state.
func (c *Controller) failWith(ctx context.Context, message string) {
	c.mu.Lock()
	c.errMsg = message
	c.mu.Unlock()

	_ = c.transition(fsm.EventFail)
	c.notifier.ShowError(ctx, message)
	if c.logger != nil {
		c.logger.Error("session attempt failed", "error", message)
	}
}

// resetToIdle returns an abandoned attempt to idle. Side effects already
// performed (granted permission, constructed pipeline) are retained for
// the next attempt.
func (c *Controller) resetToIdle() {
	_ = c.transition(fsm.EventFail)
	_ = c.transition(fsm.EventReset)
}

// Reset returns a terminal state to idle so the user can retry.
func (c *Controller) Reset() error {
	return c.transition(fsm.EventReset)
}
