// Package app wires the CLI surface to the session controller and owns
// process-level concerns: config, logging, the control socket, and exit codes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/avelin/parley/internal/admission"
	"github.com/avelin/parley/internal/audio"
	"github.com/avelin/parley/internal/cli"
	"github.com/avelin/parley/internal/config"
	"github.com/avelin/parley/internal/conversation"
	"github.com/avelin/parley/internal/doctor"
	"github.com/avelin/parley/internal/ipc"
	"github.com/avelin/parley/internal/logging"
	"github.com/avelin/parley/internal/mic"
	"github.com/avelin/parley/internal/pipeline"
	"github.com/avelin/parley/internal/session"
	"github.com/avelin/parley/internal/version"
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("parley"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("parley"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
	}

	logRuntime, err := logging.New(cfgLoaded.Config.Log.Level)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandCancel:
		return r.forwardOrFail(ctx, "cancel")
	case cli.CommandConnect:
		return r.commandConnect(ctx, parsed, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, "status")
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		status := resp.Status
		if status == "" {
			status = "idle"
		}
		if resp.Position != "" {
			fmt.Fprintf(r.Stdout, "%s (position %s)\n", status, resp.Position)
		} else {
			fmt.Fprintln(r.Stdout, status)
		}
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, command string) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, command)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no active parley session\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

func (r Runner) commandConnect(ctx context.Context, parsed cli.Parsed, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintln(r.Stderr, "error: another parley session is already running")
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	queueID := parsed.QueueID
	if queueID == "" {
		queueID = config.EffectiveQueueID(cfg)
	}
	workerAddr := parsed.WorkerAddr
	if workerAddr == "" {
		workerAddr = cfg.Worker.Addr
	}

	boot := pipeline.NewBootstrapper(logger, nil, cfg.Audio.Module)
	gate := mic.NewGate(logger, nil)
	queueClient := admission.NewClient(cfg.Admission.URL, logger)
	queue := session.QueueFunc(func(ctx context.Context, queueID string) (session.QueueWatch, error) {
		watch, err := queueClient.Join(ctx, queueID)
		if err != nil {
			return nil, err
		}
		return watch, nil
	})

	controller := session.NewController(logger, boot, gate, queue, session.Options{
		QueueID:    queueID,
		WorkerAddr: workerAddr,
		Notifier:   consoleNotifier{out: r.Stdout, errOut: r.Stderr},
	})
	defer func() { _ = boot.Teardown() }()

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, controller)
	}()

	result := controller.Connect(ctx)
	logSessionResult(logger, result)

	code := r.reportConnectOutcome(ctx, cfg, logger, boot, result)

	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}
	return code
}

// reportConnectOutcome maps the session result to user output and, on
// success, runs the conversation until hangup.
func (r Runner) reportConnectOutcome(ctx context.Context, cfg config.Config, logger *slog.Logger, boot *pipeline.Bootstrapper, result session.Result) int {
	if result.Cancelled {
		fmt.Fprintln(r.Stdout, "cancelled")
		return 0
	}
	if result.Denied {
		return 1
	}
	if result.Err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", result.Err)
		return 1
	}
	if result.Credentials == nil {
		// no_queue: already surfaced through the notifier.
		return 1
	}

	if err := r.runConversation(ctx, cfg, logger, boot, *result.Credentials); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(r.Stdout, "hung up")
			return 0
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(r.Stdout, "conversation ended")
	return 0
}

// runConversation mounts capture onto the established pipeline and
// exchanges frames with the assigned worker until one side hangs up.
func (r Runner) runConversation(ctx context.Context, cfg config.Config, logger *slog.Logger, boot *pipeline.Bootstrapper, creds admission.Credentials) error {
	engineHandle, nodeHandle := boot.Handle()
	if engineHandle == nil {
		return errors.New("audio pipeline is not ready")
	}
	capturer, ok := engineHandle.(pipeline.Capturer)
	if !ok {
		return errors.New("audio engine does not support capture")
	}
	player, _ := nodeHandle.(conversation.Player)

	capture, err := capturer.StartCapture(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer func() { _ = capture.Stop() }()

	opts := conversation.Options{Logger: logger}
	if cfg.Conversation.ShowText {
		out := r.Stdout
		opts.TextSink = func(text string) { fmt.Fprintln(out, text) }
	}

	conv, err := conversation.Dial(ctx, creds, player, opts)
	if err != nil {
		return err
	}

	logger.Info("conversation established",
		"worker", creds.WorkerAddr,
		"session_id", creds.SessionID,
		"device", capture.Device().ID,
	)
	fmt.Fprintln(r.Stdout, "connected; ctrl-c to hang up")

	return conv.Run(ctx, capture.Chunks())
}

// consoleNotifier renders session progress as terminal output.
type consoleNotifier struct {
	out    io.Writer
	errOut io.Writer
}

func (n consoleNotifier) ShowConnecting(context.Context) {
	fmt.Fprintln(n.out, "connecting...")
}

func (n consoleNotifier) ShowMicHint(context.Context) {
	fmt.Fprintln(n.errOut, "microphone access was denied; grant input access and run connect again")
}

func (n consoleNotifier) ShowQueuePosition(_ context.Context, position string) {
	if position == "" {
		fmt.Fprintln(n.out, "in queue")
		return
	}
	fmt.Fprintf(n.out, "in queue (position %s)\n", position)
}

func (n consoleNotifier) ShowReady(_ context.Context, direct bool) {
	if direct {
		fmt.Fprintln(n.out, "audio ready; connecting directly to worker")
		return
	}
	fmt.Fprintln(n.out, "audio ready; waiting for worker assignment")
}

func (n consoleNotifier) ShowError(_ context.Context, message string) {
	fmt.Fprintf(n.errOut, "error: %s\n", message)
}

func logSessionResult(logger *slog.Logger, result session.Result) {
	if logger == nil {
		return
	}
	fields := []any{
		"status", result.Status,
		"ready", result.Ready,
		"denied", result.Denied,
		"cancelled", result.Cancelled,
		"has_credentials", result.Credentials != nil,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	}

	if result.Err != nil {
		logger.Error("session attempt failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("session attempt complete", fields...)
}

func tryForward(ctx context.Context, socketPath string, command string) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, ipc.Request{Command: command}, 220*time.Millisecond)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if ipc.IsSocketMissing(err) || ipc.IsConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", command, err)
}
