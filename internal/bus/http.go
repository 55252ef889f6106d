package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/apiforward/apiforward/internal/propagate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a Transport to a background context served over HTTP.
// Requests go to POST /message; pushed updates come from the /events
// WebSocket.
type Client struct {
	base   string
	secret string
	http   *http.Client
	dialer *websocket.Dialer
}

func NewClient(base, secret string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		secret: secret,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (c *Client) authorize(h http.Header) {
	if c.secret != "" {
		h.Set("Authorization", "Bearer "+c.secret)
	}
}

func (c *Client) Send(ctx context.Context, msg Message) (Reply, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Reply{}, fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/message", bytes.NewReader(data))
	if err != nil {
		return Reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Reply{}, fmt.Errorf("send %s: unexpected status %s", msg.Type, resp.Status)
	}
	var r Reply
	if err := json.Unmarshal(body, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}

func (c *Client) eventsURL() string {
	u := c.base + "/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Updates subscribes to configUpdate pushes. The channel is closed when
// ctx is done or the connection drops.
func (c *Client) Updates(ctx context.Context) (<-chan propagate.Update, error) {
	h := make(http.Header)
	c.authorize(h)
	conn, _, err := c.dialer.DialContext(ctx, c.eventsURL(), h)
	if err != nil {
		return nil, fmt.Errorf("dial events: %w", err)
	}

	out := make(chan propagate.Update, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					slog.Warn("Event stream closed", slog.Any("error", err))
				}
				return
			}
			if msg.Type != TypeConfigUpdate {
				continue
			}
			select {
			case out <- propagate.Update{Rules: msg.Rules, Config: msg.Config}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
