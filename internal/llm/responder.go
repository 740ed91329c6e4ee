package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FallbackReply is spoken whenever the response backend is unreachable or
// returns garbage. The widget must keep the conversation moving, so the
// client never surfaces an error to its caller.
const FallbackReply = "죄송해요, 지금은 답변을 드리기 어려워요. 잠시 후 다시 말씀해 주세요."

// Request types understood by the response backend.
const (
	TypeGreeting    = "greeting"
	TypeChat        = "chat"
	TypeGameExplain = "game_explain"
)

// Turn is one entry of the conversation history, role "user" or "assistant".
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the wire format of the response backend.
type Request struct {
	Type      string            `json:"type"`
	Message   string            `json:"message,omitempty"`
	History   []Turn            `json:"history,omitempty"`
	UserName  string            `json:"userName,omitempty"`
	Customer  string            `json:"customer,omitempty"`
	UserStats map[string]string `json:"userStats,omitempty"`
	Game      string            `json:"game,omitempty"`
}

type response struct {
	Reply string `json:"reply"`
	Error string `json:"error"`
}

// Client talks to the response-generation backend.
type Client struct {
	HTTPClient *http.Client
	URL        string
	log        zerolog.Logger
}

func NewClient(url string, logger zerolog.Logger) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		URL:        url,
		log:        logger,
	}
}

// Respond posts the request and returns the reply text. Every failure mode
// degrades to FallbackReply.
func (c *Client) Respond(ctx context.Context, req Request) string {
	reply, err := c.respond(ctx, req)
	if err != nil {
		c.log.Warn().Err(err).Str("type", req.Type).Msg("response backend failed, using fallback")
		return FallbackReply
	}
	return reply
}

func (c *Client) respond(ctx context.Context, req Request) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("responder url not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("responder error: status=%d body=%s", resp.StatusCode, string(b))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("responder: decode body: %w", err)
	}
	if r.Error != "" {
		return "", fmt.Errorf("responder: %s", r.Error)
	}
	reply := strings.TrimSpace(r.Reply)
	if reply == "" {
		return "", fmt.Errorf("responder: empty reply")
	}
	return reply, nil
}
