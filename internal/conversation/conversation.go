// Package conversation drives the worker wire protocol once a session
// holds credentials and a ready audio pipeline.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/avelin/parley/internal/admission"
)

// Frame types exchanged with the worker.
const (
	frameHandshake = "handshake"
	frameAudio     = "audio"
	frameText      = "text"
	frameBye       = "bye"
)

// frame is one msgpack-encoded worker message.
type frame struct {
	Type      string `msgpack:"type"`
	SessionID string `msgpack:"session_id,omitempty"`
	PCM       []byte `msgpack:"pcm,omitempty"`
	Text      string `msgpack:"text,omitempty"`
}

// Player receives downstream audio blocks for playback.
type Player interface {
	Play(pcm []byte) error
}

// TextSink receives worker text output.
type TextSink func(text string)

// Options control one conversation.
type Options struct {
	DialTimeout time.Duration
	TextSink    TextSink
	Logger      *slog.Logger
}

// Conversation wraps one active worker connection lifecycle.
type Conversation struct {
	conn   *websocket.Conn
	player Player
	text   TextSink
	logger *slog.Logger

	recvDone chan struct{}

	mu         sync.Mutex
	closedSend bool
	recvErr    error
}

// Dial connects to the assigned worker, authenticates with the session
// credentials, and starts the receive loop.
func Dial(ctx context.Context, creds admission.Credentials, player Player, opts Options) (*Conversation, error) {
	addr := strings.TrimSpace(creds.WorkerAddr)
	if addr == "" {
		return nil, errors.New("credentials carry no worker address")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	headers := http.Header{}
	if creds.SessionAuthID != "" {
		headers.Set("Authorization", "Bearer "+creds.SessionAuthID)
	}
	if creds.WorkerAuthID != "" {
		headers.Set("X-Parley-Worker-Auth", creds.WorkerAuthID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, workerURL(addr), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial worker %q: %w (http %d)", addr, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial worker %q: %w", addr, err)
	}

	c := &Conversation{
		conn:     conn,
		player:   player,
		text:     opts.TextSink,
		logger:   opts.Logger,
		recvDone: make(chan struct{}),
	}

	if err := c.send(frame{Type: frameHandshake, SessionID: creds.SessionID}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	go c.recvLoop()
	return c, nil
}

// workerURL normalizes a bare host:port address to the chat endpoint.
func workerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "ws://" + addr + "/api/chat"
}

// Run forwards captured PCM upstream until the source closes, the worker
// hangs up, or the context ends.
func (c *Conversation) Run(ctx context.Context, source <-chan []byte) error {
	defer func() { _ = c.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.recvDone:
			c.mu.Lock()
			err := c.recvErr
			c.mu.Unlock()
			return err
		case chunk, ok := <-source:
			if !ok {
				return c.sendBye()
			}
			if len(chunk) == 0 {
				continue
			}
			if err := c.send(frame{Type: frameAudio, PCM: chunk}); err != nil {
				return fmt.Errorf("send audio frame: %w", err)
			}
		}
	}
}

// send encodes and writes one frame under the send lock.
func (c *Conversation) send(f frame) error {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedSend {
		return errors.New("conversation already closed for sending")
	}
	if c.recvErr != nil {
		return fmt.Errorf("conversation receive loop failed: %w", c.recvErr)
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// sendBye announces a clean hangup and waits briefly for the worker ack.
func (c *Conversation) sendBye() error {
	if err := c.send(frame{Type: frameBye}); err != nil {
		return err
	}

	select {
	case <-c.recvDone:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// recvLoop decodes worker frames until close or error.
func (c *Conversation) recvLoop() {
	defer close(c.recvDone)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.mu.Lock()
			if !c.closedSend {
				c.recvErr = err
			}
			c.mu.Unlock()
			return
		}

		var f frame
		if err := msgpack.Unmarshal(payload, &f); err != nil {
			if c.logger != nil {
				c.logger.Warn("dropping undecodable worker frame", "error", err.Error())
			}
			continue
		}

		switch f.Type {
		case frameAudio:
			if c.player == nil {
				continue
			}
			if err := c.player.Play(f.PCM); err != nil {
				c.mu.Lock()
				c.recvErr = fmt.Errorf("play worker audio: %w", err)
				c.mu.Unlock()
				return
			}
		case frameText:
			if c.text != nil {
				c.text(f.Text)
			}
		case frameBye:
			return
		default:
			if c.logger != nil {
				c.logger.Debug("ignoring unknown worker frame", "type", f.Type)
			}
		}
	}
}

// Close tears the connection down. Safe to call twice.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closedSend {
		c.mu.Unlock()
		return nil
	}
	c.closedSend = true
	c.mu.Unlock()

	return c.conn.Close()
}
