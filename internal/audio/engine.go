// Package audio owns the Pulse connection, the processor-module registry,
// and the capture/playback streams built on top of them.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jfreymuth/pulse"
)

const (
	// SampleRate is the conversation PCM rate, mono s16 little-endian.
	SampleRate = 24000

	// chunkSizeBytes is 20ms at SampleRate.
	chunkSizeBytes = 960
)

// ErrModuleNotRegistered reports a node construction attempt against a
// module reference the engine has not loaded yet. It is the expected
// first-run failure of the optimistic construction path.
var ErrModuleNotRegistered = errors.New("processor module not registered")

// Engine owns one Pulse server connection and the modules registered
// against it. Modules stay registered for the engine lifetime.
type Engine struct {
	mu      sync.Mutex
	client  *pulse.Client
	modules map[string]*Module
	loads   int
}

// NewEngine connects to the Pulse server and returns an empty engine.
func NewEngine(_ context.Context) (*Engine, error) {
	client, err := connectPulse()
	if err != nil {
		return nil, err
	}
	return &Engine{
		client:  client,
		modules: make(map[string]*Module),
	}, nil
}

func connectPulse() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("parley"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// Resume revives a suspended engine by re-establishing the server
// connection when it was dropped. A live connection is a no-op.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return nil
	}
	client, err := connectPulse()
	if err != nil {
		return err
	}
	e.client = client
	return nil
}

// LoadModule reads, compiles, and registers a processor module asset.
// Reloading an already-registered reference is a no-op.
func (e *Engine) LoadModule(_ context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := moduleKey(ref)
	if _, ok := e.modules[key]; ok {
		return nil
	}

	asset, err := ReadModuleAsset(ref)
	if err != nil {
		return err
	}
	module, err := CompileModule(key, asset)
	if err != nil {
		return err
	}

	e.modules[key] = module
	e.loads++
	return nil
}

// ModuleLoads reports how many module assets have been compiled so far.
func (e *Engine) ModuleLoads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// NewNode constructs a playback processor node from a registered module.
// Returns ErrModuleNotRegistered when the reference has not been loaded.
func (e *Engine) NewNode(ref string) (*Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return nil, errors.New("engine is suspended")
	}
	module, ok := e.modules[moduleKey(ref)]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", moduleKey(ref), ErrModuleNotRegistered)
	}

	pr, pw := io.Pipe()
	return &Node{
		module: module,
		client: e.client,
		pr:     pr,
		pw:     pw,
	}, nil
}

// StartCapture opens the record stream on the resolved input source and
// starts chunked PCM delivery.
func (e *Engine) StartCapture(ctx context.Context, input string, fallback string) (*Capture, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	if client == nil {
		return nil, errors.New("engine is suspended")
	}

	selection, err := SelectDevice(ctx, input, fallback)
	if err != nil {
		return nil, err
	}
	return startCapture(ctx, client, selection.Device)
}

// Close releases the server connection. Registered modules are discarded
// with it; a new engine starts from an empty registry.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.modules = make(map[string]*Module)
	return nil
}

func moduleKey(ref string) string {
	if ref == "" {
		return DefaultModuleRef
	}
	return ref
}
