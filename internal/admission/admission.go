// Package admission talks to the queue/admission service that assigns
// clients to workers and issues session credentials.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avelin/parley/internal/config"
)

// Status is one admission outcome reported by the service.
type Status string

const (
	StatusInQueue        Status = "in_queue"
	StatusHasCredentials Status = "has_credentials"
	StatusNoQueue        Status = "no_queue"
	StatusError          Status = "error"
)

// Credentials identify an authorized session and its assigned worker.
// Produced at most once per session attempt, immutable thereafter.
type Credentials struct {
	SessionID     string `json:"session_id"`
	SessionAuthID string `json:"session_auth_id"`
	WorkerAuthID  string `json:"worker_auth_id"`
	WorkerAddr    string `json:"worker_addr"`
}

// Update is one decoded admission frame.
type Update struct {
	Status      Status
	Position    string
	Credentials *Credentials
	Message     string
}

// serverFrame is the wire shape of admission pushes. Position is opaque
// and may arrive as a string or a number.
type serverFrame struct {
	Status      string          `json:"status"`
	Position    json.RawMessage `json:"position,omitempty"`
	Credentials *Credentials    `json:"credentials,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// joinRequest opens one queue negotiation.
type joinRequest struct {
	QueueID   string `json:"queue_id"`
	RequestID string `json:"request_id"`
}

// Client dials the admission service.
type Client struct {
	endpoint string
	logger   *slog.Logger
	dialer   *websocket.Dialer
}

// NewClient constructs an admission client for one service endpoint.
func NewClient(endpoint string, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		logger:   logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Join dials the service, announces the queue, and starts the update
// stream. An empty queue id falls back to the fixed default.
func (c *Client) Join(ctx context.Context, queueID string) (*Watch, error) {
	if strings.TrimSpace(queueID) == "" {
		queueID = config.FallbackQueueID
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial admission service %q: %w (http %d)", c.endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial admission service %q: %w", c.endpoint, err)
	}

	join := joinRequest{QueueID: queueID, RequestID: uuid.NewString()}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join request: %w", err)
	}

	w := &Watch{
		conn:    conn,
		logger:  c.logger,
		queueID: queueID,
		updates: make(chan Update, 16),
	}
	go w.readLoop()
	return w, nil
}

// Watch is one active queue negotiation. Updates closes when the
// negotiation terminates, after the terminal update is delivered.
type Watch struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	queueID string

	updates chan Update

	closeOnce sync.Once

	mu           sync.Mutex
	credentialed bool
}

// QueueID reports the effective queue identifier used for the join.
func (w *Watch) QueueID() string {
	return w.queueID
}

// Updates returns the admission update stream.
func (w *Watch) Updates() <-chan Update {
	return w.updates
}

// Close aborts the negotiation.
func (w *Watch) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close()
	})
	return err
}

// readLoop decodes admission frames until a terminal status, a read
// failure, or Close. It always closes the updates channel on exit.
func (w *Watch) readLoop() {
	defer close(w.updates)
	defer func() { _ = w.Close() }()

	for {
		var frame serverFrame
		if err := w.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			w.updates <- Update{Status: StatusError, Message: fmt.Sprintf("admission stream failed: %v", err)}
			return
		}

		update, terminal, ok := w.decode(frame)
		if !ok {
			continue
		}
		w.updates <- update
		if terminal {
			return
		}
	}
}

// decode maps one frame to an Update, enforcing single credential delivery.
func (w *Watch) decode(frame serverFrame) (Update, bool, bool) {
	switch Status(frame.Status) {
	case StatusInQueue:
		return Update{
			Status:   StatusInQueue,
			Position: decodePosition(frame.Position),
		}, false, true
	case StatusHasCredentials:
		w.mu.Lock()
		already := w.credentialed
		w.credentialed = true
		w.mu.Unlock()
		if already {
			if w.logger != nil {
				w.logger.Warn("dropping duplicate credentials frame", "queue_id", w.queueID)
			}
			return Update{}, false, false
		}
		if frame.Credentials == nil {
			return Update{Status: StatusError, Message: "credentials frame without credentials"}, true, true
		}
		return Update{Status: StatusHasCredentials, Credentials: frame.Credentials}, true, true
	case StatusNoQueue:
		return Update{Status: StatusNoQueue, Message: frame.Message}, true, true
	case StatusError:
		return Update{Status: StatusError, Message: frame.Message}, true, true
	default:
		if w.logger != nil {
			w.logger.Warn("ignoring unknown admission status", "status", frame.Status)
		}
		return Update{}, false, false
	}
}

// decodePosition renders the opaque rank for display.
func decodePosition(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return strings.TrimSpace(string(raw))
}
