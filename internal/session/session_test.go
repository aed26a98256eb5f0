package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avelin/parley/internal/admission"
	"github.com/avelin/parley/internal/fsm"
	"github.com/avelin/parley/internal/ipc"
	"github.com/avelin/parley/internal/mic"
)

type fakeBoot struct {
	mu        sync.Mutex
	ensureErr error
	ensured   bool
	calls     int
}

func (b *fakeBoot) Ensure(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.ensureErr != nil {
		return b.ensureErr
	}
	b.ensured = true
	return nil
}

func (b *fakeBoot) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensured
}

func (b *fakeBoot) Teardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensured = false
	return nil
}

type fakeGate struct {
	mu     sync.Mutex
	grants []bool
	call   int
	access mic.Access
}

func (g *fakeGate) RequestAccess(context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	granted := false
	if g.call < len(g.grants) {
		granted = g.grants[g.call]
	}
	g.call++
	g.access = mic.Access{Granted: granted, ShowHint: !granted}
	return granted
}

func (g *fakeGate) Access() mic.Access {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.access
}

type fakeWatch struct {
	updates chan admission.Update
	closed  atomic.Bool
}

func newFakeWatch(updates ...admission.Update) *fakeWatch {
	ch := make(chan admission.Update, len(updates))
	for _, u := range updates {
		ch <- u
	}
	close(ch)
	return &fakeWatch{updates: ch}
}

func (w *fakeWatch) Updates() <-chan admission.Update { return w.updates }
func (w *fakeWatch) Close() error                     { w.closed.Store(true); return nil }

type fakeNotifier struct {
	mu        sync.Mutex
	hints     int
	positions []string
	errors    []string
	readyWarn []bool
}

func (n *fakeNotifier) ShowConnecting(context.Context) {}
func (n *fakeNotifier) ShowMicHint(context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hints++
}
func (n *fakeNotifier) ShowQueuePosition(_ context.Context, pos string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.positions = append(n.positions, pos)
}
func (n *fakeNotifier) ShowReady(_ context.Context, direct bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.readyWarn = append(n.readyWarn, direct)
}
func (n *fakeNotifier) ShowError(_ context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func queueOf(watch QueueWatch, err error) Queue {
	return QueueFunc(func(context.Context, string) (QueueWatch, error) {
		if err != nil {
			return nil, err
		}
		return watch, nil
	})
}

func TestConnectQueueHappyPath(t *testing.T) {
	creds := &admission.Credentials{
		SessionID:     "s1",
		SessionAuthID: "sa1",
		WorkerAuthID:  "wa1",
		WorkerAddr:    "10.0.0.4:8998",
	}
	watch := newFakeWatch(
		admission.Update{Status: admission.StatusInQueue, Position: "5"},
		admission.Update{Status: admission.StatusInQueue, Position: "1"},
		admission.Update{Status: admission.StatusHasCredentials, Credentials: creds},
	)

	notifier := &fakeNotifier{}
	var seen []fsm.State
	var seenMu sync.Mutex

	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{grants: []bool{true}}, queueOf(watch, nil), Options{
		QueueID:  "studio",
		Notifier: notifier,
		OnChange: func(s Snapshot) {
			seenMu.Lock()
			seen = append(seen, s.Status)
			seenMu.Unlock()
		},
	})

	result := ctrl.Connect(context.Background())
	require.NoError(t, result.Err)
	require.True(t, result.Ready)
	require.Equal(t, fsm.StateHasCredentials, result.Status)
	require.Equal(t, creds, result.Credentials)

	require.Equal(t, []string{"5", "1"}, notifier.positions)
	require.Equal(t,
		[]fsm.State{fsm.StateConnecting, fsm.StateBypass, fsm.StateInQueue, fsm.StateInQueue, fsm.StateHasCredentials},
		seen)
	require.True(t, watch.closed.Load())
}

func TestConnectBypassWithWorkerOverride(t *testing.T) {
	notifier := &fakeNotifier{}
	joined := atomic.Bool{}
	queue := QueueFunc(func(context.Context, string) (QueueWatch, error) {
		joined.Store(true)
		return nil, errors.New("must not be called")
	})

	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{grants: []bool{true}}, queue, Options{
		WorkerAddr: "10.0.0.9:8998",
		Notifier:   notifier,
	})

	result := ctrl.Connect(context.Background())
	require.NoError(t, result.Err)
	require.Equal(t, fsm.StateHasCredentials, result.Status)
	require.NotNil(t, result.Credentials)
	require.Equal(t, "10.0.0.9:8998", result.Credentials.WorkerAddr)
	require.NotEmpty(t, result.Credentials.SessionID)
	require.False(t, joined.Load(), "override must skip queue negotiation")
	require.Equal(t, []bool{true}, notifier.readyWarn)
}

func TestConnectAudioInitFailureIsFatal(t *testing.T) {
	notifier := &fakeNotifier{}
	boot := &fakeBoot{ensureErr: errors.New("module load failed twice")}
	gate := &fakeGate{grants: []bool{true}}

	ctrl := NewController(nil, boot, gate, queueOf(nil, nil), Options{Notifier: notifier})

	result := ctrl.Connect(context.Background())
	require.Error(t, result.Err)
	require.Equal(t, fsm.StateError, result.Status)
	require.Equal(t, 0, gate.call, "gate is not consulted after fatal audio init")
	require.Equal(t, 0, notifier.hints, "audio error must not surface as a mic hint")
	require.NotEmpty(t, notifier.errors)
	require.Contains(t, notifier.errors[0], "audio pipeline init failed")
}

func TestConnectMicDeniedThenRetry(t *testing.T) {
	notifier := &fakeNotifier{}
	boot := &fakeBoot{}
	gate := &fakeGate{grants: []bool{false, true}}
	watch := newFakeWatch(admission.Update{
		Status:      admission.StatusHasCredentials,
		Credentials: &admission.Credentials{SessionID: "s1", WorkerAddr: "w"},
	})

	ctrl := NewController(nil, boot, gate, queueOf(watch, nil), Options{Notifier: notifier})

	first := ctrl.Connect(context.Background())
	require.True(t, first.Denied)
	require.NoError(t, first.Err)
	require.Equal(t, fsm.StateIdle, first.Status, "denial is recoverable")
	require.False(t, ctrl.Ready())
	require.True(t, ctrl.Snapshot().ShowHint)

	second := ctrl.Connect(context.Background())
	require.NoError(t, second.Err)
	require.True(t, second.Ready)
	require.False(t, ctrl.Snapshot().ShowHint, "hint clears on success")
	require.Equal(t, 1, notifier.hints, "exactly one denial hint before success")
	require.Equal(t, 2, boot.calls, "each attempt runs the idempotent acquisition")
}

func TestReadinessRequiresBothSides(t *testing.T) {
	boot := &fakeBoot{}
	gate := &fakeGate{grants: []bool{true}}
	ctrl := NewController(nil, boot, gate, queueOf(nil, nil), Options{})

	require.False(t, ctrl.Ready(), "nothing satisfied")

	gate.RequestAccess(context.Background())
	require.False(t, ctrl.Ready(), "granted alone is not ready")

	require.NoError(t, boot.Ensure(context.Background()))
	require.True(t, ctrl.Ready(), "both sides satisfied")

	require.NoError(t, boot.Teardown())
	require.False(t, ctrl.Ready(), "pipeline teardown drops readiness")
}

func TestConnectNoQueueSurfaced(t *testing.T) {
	watch := newFakeWatch(admission.Update{Status: admission.StatusNoQueue})
	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{grants: []bool{true}}, queueOf(watch, nil), Options{})

	result := ctrl.Connect(context.Background())
	require.NoError(t, result.Err)
	require.Equal(t, fsm.StateNoQueue, result.Status)
	require.Nil(t, result.Credentials)

	require.NoError(t, ctrl.Reset())
	require.Equal(t, fsm.StateIdle, ctrl.Status())
}

func TestConnectAdmissionErrorSurfacedVerbatim(t *testing.T) {
	notifier := &fakeNotifier{}
	watch := newFakeWatch(admission.Update{Status: admission.StatusError, Message: "over capacity"})
	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{grants: []bool{true}}, queueOf(watch, nil), Options{Notifier: notifier})

	result := ctrl.Connect(context.Background())
	require.Error(t, result.Err)
	require.Equal(t, fsm.StateError, result.Status)
	require.Contains(t, notifier.errors, "over capacity")
}

func TestConnectJoinFailure(t *testing.T) {
	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{grants: []bool{true}},
		queueOf(nil, errors.New("dial refused")), Options{})

	result := ctrl.Connect(context.Background())
	require.Error(t, result.Err)
	require.Equal(t, fsm.StateError, result.Status)
}

func TestConnectStreamEndsWithoutTerminal(t *testing.T) {
	watch := newFakeWatch(admission.Update{Status: admission.StatusInQueue, Position: "2"})
	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{grants: []bool{true}}, queueOf(watch, nil), Options{})

	result := ctrl.Connect(context.Background())
	require.Error(t, result.Err)
	require.Equal(t, fsm.StateError, result.Status)
}

func TestHandleStatusAndCancel(t *testing.T) {
	pending := &fakeWatch{updates: make(chan admission.Update)}
	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{grants: []bool{true}}, queueOf(pending, nil), Options{})

	resp := ctrl.Handle(context.Background(), ipc.Request{Command: "cancel"})
	require.False(t, resp.OK, "no attempt in flight yet")

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- ctrl.Connect(context.Background())
	}()

	waitForStatus(t, ctrl, fsm.StateBypass)

	resp = ctrl.Handle(context.Background(), ipc.Request{Command: "status"})
	require.True(t, resp.OK)
	require.Equal(t, string(fsm.StateBypass), resp.Status)

	resp = ctrl.Handle(context.Background(), ipc.Request{Command: "cancel"})
	require.True(t, resp.OK)

	result := <-resultCh
	require.True(t, result.Cancelled)
	require.Equal(t, fsm.StateIdle, result.Status, "abandoned attempt resets to idle")
	require.True(t, ctrl.Ready(), "granted permission and pipeline survive abandonment")
}

func TestHandleUnknownCommand(t *testing.T) {
	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{}, queueOf(nil, nil), Options{})
	resp := ctrl.Handle(context.Background(), ipc.Request{Command: "warp"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown command")
}

func TestConnectWhileConnectingRejected(t *testing.T) {
	pending := &fakeWatch{updates: make(chan admission.Update)}
	ctrl := NewController(nil, &fakeBoot{}, &fakeGate{grants: []bool{true, true}}, queueOf(pending, nil), Options{})

	go ctrl.Connect(context.Background())
	waitForStatus(t, ctrl, fsm.StateBypass)

	second := ctrl.Connect(context.Background())
	require.Error(t, second.Err)
	require.Contains(t, second.Err.Error(), "invalid transition")

	ctrl.Handle(context.Background(), ipc.Request{Command: "cancel"})
}

func waitForStatus(t *testing.T, ctrl *Controller, want fsm.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s (current %s)", want, ctrl.Status())
}
