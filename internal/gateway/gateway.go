// Package gateway maintains the chat-platform gateway connection and turns
// its dispatch frames into typed events on a channel. Consumers never touch
// the socket; the channel is the boundary.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Intents covering member joins and guild messages with content.
const defaultIntents = 1<<0 | 1<<1 | 1<<9 | 1<<15

const defaultEventBuffer = 64

type EventType int

const (
	EventMemberJoin EventType = iota
	EventMessage
)

// MemberJoin is a member-joined dispatch. It carries no inviter
// attribution; that is resolved later against the REST source.
type MemberJoin struct {
	Server   int64
	Member   int64
	Username string
}

// MessageCreate is a guild text message, the inbound command transport.
type MessageCreate struct {
	Server  int64
	Channel int64
	Author  int64
	Content string
}

type Event struct {
	Type    EventType
	Join    MemberJoin
	Message MessageCreate
}

type TokenProvider func(ctx context.Context) (string, error)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	URL           string
	TokenProvider TokenProvider
	Intents       int
	EventBuffer   int
	// ReconnectDelay is the base backoff between connection attempts.
	ReconnectDelay time.Duration
	Logger         Logger
}

type Client struct {
	url            string
	tokenProvider  TokenProvider
	intents        int
	reconnectDelay time.Duration
	logger         Logger
	events         chan Event
	lastSeq        atomic.Int64
}

func NewClient(opts Options) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = "wss://gateway.discord.gg/?v=10&encoding=json"
	}
	if opts.TokenProvider == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	intents := opts.Intents
	if intents == 0 {
		intents = defaultIntents
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Client{
		url:            url,
		tokenProvider:  opts.TokenProvider,
		intents:        intents,
		reconnectDelay: reconnectDelay,
		logger:         opts.Logger,
		events:         make(chan Event, buffer),
	}, nil
}

// Events is the outbound event channel. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run dials the gateway and pumps events until ctx ends, reconnecting with
// backoff after connection failures.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	delay := c.reconnectDelay
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logf("gateway connection ended: %v; reconnecting in %s", err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay < time.Minute {
			delay *= 2
		}
	}
}

type payload struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	var hello payload
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return err
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return err
	}
	if helloData.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %d", helloData.HeartbeatInterval)
	}

	if err := c.identify(ctx, conn); err != nil {
		return err
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	heartbeatErr := make(chan error, 1)
	go func() {
		heartbeatErr <- c.heartbeatLoop(heartbeatCtx, conn, time.Duration(helloData.HeartbeatInterval)*time.Millisecond)
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn)
	}()

	select {
	case err := <-heartbeatErr:
		return err
	case err := <-readErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) identify(ctx context.Context, conn *websocket.Conn) error {
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   token,
			"intents": c.intents,
			"properties": map[string]any{
				"os":      "linux",
				"browser": "invitetrack",
				"device":  "invitetrack",
			},
		},
	}
	return wsjson.Write(ctx, conn, identify)
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.sendHeartbeat(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	var seq any
	if last := c.lastSeq.Load(); last > 0 {
		seq = last
	}
	return wsjson.Write(ctx, conn, map[string]any{"op": opHeartbeat, "d": seq})
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame payload
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		if frame.S != nil {
			c.lastSeq.Store(*frame.S)
		}
		switch frame.Op {
		case opDispatch:
			event, ok, err := parseDispatch(frame.T, frame.D)
			if err != nil {
				c.logf("dropping malformed %s dispatch: %v", frame.T, err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case c.events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		case opHeartbeat:
			if err := c.sendHeartbeat(ctx, conn); err != nil {
				return err
			}
		case opReconnect, opInvalidSession:
			return fmt.Errorf("gateway requested reconnect (op %d)", frame.Op)
		case opHeartbeatAck:
		default:
			c.logf("ignoring gateway op %d", frame.Op)
		}
	}
}

type dispatchUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type memberAddDispatch struct {
	User    dispatchUser `json:"user"`
	GuildID string       `json:"guild_id"`
}

type messageCreateDispatch struct {
	GuildID   string       `json:"guild_id"`
	ChannelID string       `json:"channel_id"`
	Author    dispatchUser `json:"author"`
	Content   string       `json:"content"`
}

func parseDispatch(eventType string, data json.RawMessage) (Event, bool, error) {
	switch eventType {
	case "GUILD_MEMBER_ADD":
		var d memberAddDispatch
		if err := json.Unmarshal(data, &d); err != nil {
			return Event{}, false, err
		}
		server, err := parseSnowflake(d.GuildID)
		if err != nil {
			return Event{}, false, err
		}
		member, err := parseSnowflake(d.User.ID)
		if err != nil {
			return Event{}, false, err
		}
		return Event{
			Type: EventMemberJoin,
			Join: MemberJoin{Server: server, Member: member, Username: d.User.Username},
		}, true, nil
	case "MESSAGE_CREATE":
		var d messageCreateDispatch
		if err := json.Unmarshal(data, &d); err != nil {
			return Event{}, false, err
		}
		if d.Author.Bot || d.GuildID == "" {
			return Event{}, false, nil
		}
		server, err := parseSnowflake(d.GuildID)
		if err != nil {
			return Event{}, false, err
		}
		channel, err := parseSnowflake(d.ChannelID)
		if err != nil {
			return Event{}, false, err
		}
		author, err := parseSnowflake(d.Author.ID)
		if err != nil {
			return Event{}, false, err
		}
		return Event{
			Type:    EventMessage,
			Message: MessageCreate{Server: server, Channel: channel, Author: author, Content: d.Content},
		}, true, nil
	default:
		return Event{}, false, nil
	}
}

func parseSnowflake(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid snowflake %q", raw)
	}
	return id, nil
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
