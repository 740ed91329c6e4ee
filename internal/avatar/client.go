// Package avatar implements the client for the remote streaming-avatar
// platform: session start/stop, speak and interrupt tasks, and the talking
// state notifications the turn coordinator keys off.
package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Events carries callbacks for remote avatar notifications. Nil fields are
// ignored. Callbacks are invoked from the read loop goroutine.
type Events struct {
	OnStreamReady  func()
	OnStartTalking func()
	OnStopTalking  func()
	OnDisconnected func()
}

// SessionConfig selects the avatar persona for one session.
type SessionConfig struct {
	AvatarID    string  `json:"avatar_id"`
	VoiceID     string  `json:"voice_id,omitempty"`
	VoiceRate   float64 `json:"voice_rate,omitempty"`
	KnowledgeID string  `json:"knowledge_id,omitempty"`
	Quality     string  `json:"quality,omitempty"`
}

type command struct {
	Type   string         `json:"type"`
	TaskID string         `json:"task_id,omitempty"`
	Text   string         `json:"text,omitempty"`
	Config *SessionConfig `json:"config,omitempty"`
}

type event struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Client is a websocket client for one avatar session. It is not safe to
// reuse after Stop.
type Client struct {
	url    string
	token  string
	cfg    SessionConfig
	events Events
	log    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	stopped bool
}

// NewClient prepares a client for one avatar session. token is the bearer
// credential from the token endpoint.
func NewClient(url, token string, cfg SessionConfig, events Events, logger zerolog.Logger) *Client {
	if cfg.Quality == "" {
		cfg.Quality = "high"
	}
	return &Client{url: url, token: token, cfg: cfg, events: events, log: logger}
}

// Start dials the avatar platform and requests a new session stream. The
// stream_ready event arrives asynchronously via Events.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if c.url == "" {
		return fmt.Errorf("avatar: websocket url is empty")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{"Authorization": {"Bearer " + c.token}}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			c.log.Error().Int("status", resp.StatusCode).Msg("avatar dial rejected")
		}
		return fmt.Errorf("avatar: connect: %w", err)
	}

	c.conn = conn
	c.started = true
	go c.readLoop(conn)

	cfg := c.cfg
	if err := conn.WriteJSON(command{Type: "start", Config: &cfg}); err != nil {
		return fmt.Errorf("avatar: start session: %w", err)
	}
	c.log.Info().Str("avatar_id", c.cfg.AvatarID).Msg("avatar session requested")
	return nil
}

// Speak submits a speak task. Completion is signaled by the
// avatar_stop_talking event, not by this call returning.
func (c *Client) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return c.write(command{Type: "speak", TaskID: uuid.NewString(), Text: text})
}

// Interrupt cuts off whatever the avatar is currently saying. Best effort:
// callers are expected to ignore the returned error.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.write(command{Type: "interrupt"})
}

// Stop ends the session and releases the connection.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return nil
	}
	c.stopped = true
	var firstErr error
	if err := c.conn.WriteJSON(command{Type: "stop"}); err != nil {
		firstErr = fmt.Errorf("avatar: stop session: %w", err)
	}
	if err := c.conn.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("avatar: close connection: %w", err)
	}
	return firstErr
}

func (c *Client) write(cmd command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return fmt.Errorf("avatar: session not active")
	}
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("avatar: send %s: %w", cmd.Type, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasStopped := c.stopped
			c.mu.Unlock()
			if !wasStopped {
				c.log.Warn().Err(err).Msg("avatar stream closed unexpectedly")
				if c.events.OnDisconnected != nil {
					c.events.OnDisconnected()
				}
			}
			return
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn().Err(err).Msg("unparseable avatar event")
			continue
		}
		switch ev.Type {
		case "stream_ready":
			if c.events.OnStreamReady != nil {
				c.events.OnStreamReady()
			}
		case "avatar_start_talking":
			if c.events.OnStartTalking != nil {
				c.events.OnStartTalking()
			}
		case "avatar_stop_talking":
			if c.events.OnStopTalking != nil {
				c.events.OnStopTalking()
			}
		case "disconnected":
			if c.events.OnDisconnected != nil {
				c.events.OnDisconnected()
			}
		case "error":
			c.log.Warn().Str("task_id", ev.TaskID).Str("error", ev.Error).Msg("avatar task error")
		default:
			// Unknown event types from the platform are ignored.
		}
	}
}
