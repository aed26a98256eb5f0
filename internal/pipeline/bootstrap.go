// Package pipeline bootstraps the audio engine/node pair owned by a session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avelin/parley/internal/audio"
)

// Engine is the bootstrapper-facing subset of the audio engine.
type Engine interface {
	Resume() error
	LoadModule(ctx context.Context, ref string) error
	NewNode(ref string) (Node, error)
	Close() error
}

// Node is the bootstrapper-facing subset of a processor node.
type Node interface {
	ConnectOutput() error
	Close() error
}

// Capturer is implemented by engines that can open microphone capture
// on the connection they already hold.
type Capturer interface {
	StartCapture(ctx context.Context, input string, fallback string) (*audio.Capture, error)
}

// EngineFactory constructs a fresh engine on first use.
type EngineFactory func(context.Context) (Engine, error)

// PulseFactory builds engines on the Pulse backend.
func PulseFactory() EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		engine, err := audio.NewEngine(ctx)
		if err != nil {
			return nil, err
		}
		return pulseEngine{engine}, nil
	}
}

// pulseEngine adapts *audio.Engine to the Engine interface.
type pulseEngine struct {
	*audio.Engine
}

func (p pulseEngine) NewNode(ref string) (Node, error) {
	node, err := p.Engine.NewNode(ref)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Bootstrapper owns the (engine, node) pair for one session. The pair is
// created lazily, never partially: after a successful Ensure both halves
// exist, after Teardown neither does.
type Bootstrapper struct {
	logger    *slog.Logger
	newEngine EngineFactory
	moduleRef string

	mu     sync.Mutex
	engine Engine
	node   Node
}

// NewBootstrapper constructs a bootstrapper. A nil factory uses Pulse.
func NewBootstrapper(logger *slog.Logger, factory EngineFactory, moduleRef string) *Bootstrapper {
	if factory == nil {
		factory = PulseFactory()
	}
	return &Bootstrapper{
		logger:    logger,
		newEngine: factory,
		moduleRef: moduleRef,
	}
}

// Ensure idempotently brings the pipeline up. An existing node returns
// immediately. Otherwise: construct the engine if absent, resume it,
// attempt node construction optimistically, and only on the classified
// module-not-registered failure load the module and retry exactly once.
// Any other failure, including the retried attempt, propagates as fatal
// for this attempt.
func (b *Bootstrapper) Ensure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.node != nil {
		return nil
	}

	if b.engine == nil {
		engine, err := b.newEngine(ctx)
		if err != nil {
			return fmt.Errorf("construct audio engine: %w", err)
		}
		b.engine = engine
	}

	if err := b.engine.Resume(); err != nil {
		return fmt.Errorf("resume audio engine: %w", err)
	}

	node, err := b.engine.NewNode(b.moduleRef)
	if errors.Is(err, audio.ErrModuleNotRegistered) {
		if b.logger != nil {
			b.logger.Debug("processor module not registered; loading", "module", b.moduleRef)
		}
		if loadErr := b.engine.LoadModule(ctx, b.moduleRef); loadErr != nil {
			return fmt.Errorf("load processor module: %w", loadErr)
		}
		node, err = b.engine.NewNode(b.moduleRef)
	}
	if err != nil {
		return fmt.Errorf("construct processor node: %w", err)
	}

	if err := node.ConnectOutput(); err != nil {
		_ = node.Close()
		return fmt.Errorf("connect node output: %w", err)
	}

	b.node = node
	return nil
}

// Ready reports whether the handle is fully populated.
func (b *Bootstrapper) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine != nil && b.node != nil
}

// Handle returns the current engine/node pair; either both are non-nil
// or the pipeline has not been ensured.
func (b *Bootstrapper) Handle() (Engine, Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.node == nil {
		return nil, nil
	}
	return b.engine, b.node
}

// Teardown releases the node and engine together. Safe to call twice.
func (b *Bootstrapper) Teardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first error
	if b.node != nil {
		first = b.node.Close()
		b.node = nil
	}
	if b.engine != nil {
		if err := b.engine.Close(); err != nil && first == nil {
			first = err
		}
		b.engine = nil
	}
	return first
}
