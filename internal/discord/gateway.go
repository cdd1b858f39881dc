package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents: GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT | DIRECT_MESSAGES.
const gatewayIntents = 1 | (1 << 9) | (1 << 15) | (1 << 12)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opHello          = 10
	opHeartbeatACK   = 11
	opReconnect      = 7
	opInvalidSession = 9
)

// MessageHandler receives MESSAGE_CREATE events.
type MessageHandler func(ctx context.Context, msg Message)

// Gateway maintains a realtime connection to the Discord gateway and
// dispatches inbound messages to a handler.
type Gateway struct {
	token   string
	handler MessageHandler
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	seq    int64
	seqMu  sync.Mutex

	// Bot's own user ID, captured from READY to skip self-authored messages.
	selfID string
}

// gatewayPayload is the generic gateway message envelope.
type gatewayPayload struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// NewGateway creates a gateway client. The handler is invoked for every
// MESSAGE_CREATE not authored by the bot itself.
func NewGateway(token string, handler MessageHandler, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		token:   token,
		handler: handler,
		logger:  logger,
	}
}

// Run connects to the gateway and blocks, reconnecting on failure, until
// the context is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := g.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Error("gateway connection lost, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < 60*time.Second {
			backoff *= 2
		}
	}
}

// connectAndRead performs one full gateway session: hello, identify,
// heartbeat loop, and dispatch until the connection drops.
func (g *Gateway) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	// The first message must be HELLO with the heartbeat interval.
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return fmt.Errorf("unmarshal hello: %w", err)
	}

	if err := g.identify(); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	g.logger.Info("connected to discord gateway",
		"heartbeat_interval_ms", helloData.HeartbeatInterval)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go g.heartbeatLoop(hbCtx, time.Duration(helloData.HeartbeatInterval)*time.Millisecond)

	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("gateway closed: %w", err)
			}
			return fmt.Errorf("gateway read: %w", err)
		}

		if payload.Seq != nil {
			g.seqMu.Lock()
			g.seq = *payload.Seq
			g.seqMu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			g.dispatch(ctx, payload)
		case opHeartbeat:
			g.sendHeartbeat()
		case opHeartbeatACK:
			// keepalive acknowledged
		case opReconnect, opInvalidSession:
			return fmt.Errorf("gateway requested reconnect (op %d)", payload.Op)
		default:
			g.logger.Debug("unhandled gateway opcode", "op", payload.Op)
		}
	}
}

func (g *Gateway) identify() error {
	msg := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "oswald",
				"device":  "oswald",
			},
		},
	}
	return g.writeJSON(msg)
}

func (g *Gateway) dispatch(ctx context.Context, payload gatewayPayload) {
	switch payload.Type {
	case "READY":
		var ready struct {
			User User `json:"user"`
		}
		if err := json.Unmarshal(payload.Data, &ready); err != nil {
			g.logger.Error("unmarshal READY", "error", err)
			return
		}
		g.selfID = ready.User.ID
		g.logger.Info("gateway ready", "bot_user", ready.User.Username)

	case "MESSAGE_CREATE":
		var msg Message
		if err := json.Unmarshal(payload.Data, &msg); err != nil {
			g.logger.Error("unmarshal MESSAGE_CREATE", "error", err)
			return
		}
		if msg.Author.Bot || msg.Author.ID == g.selfID {
			return
		}
		if g.handler != nil {
			g.handler(ctx, msg)
		}

	default:
		g.logger.Debug("unhandled gateway event", "type", payload.Type)
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sendHeartbeat()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) sendHeartbeat() {
	g.seqMu.Lock()
	seq := g.seq
	g.seqMu.Unlock()

	var d any
	if seq > 0 {
		d = seq
	}
	if err := g.writeJSON(map[string]any{"op": opHeartbeat, "d": d}); err != nil {
		g.logger.Error("send heartbeat", "error", err)
	}
}

func (g *Gateway) writeJSON(v any) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	return g.conn.WriteJSON(v)
}

// SelfID returns the bot's own user ID, once READY has been received.
func (g *Gateway) SelfID() string {
	return g.selfID
}

// MentionsUser reports whether the message mentions the given user ID.
func (m Message) MentionsUser(userID string) bool {
	for _, u := range m.Mentions {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// StripMention removes a user's mention markup from the message content.
func StripMention(content, userID string) string {
	content = strings.ReplaceAll(content, "<@!"+userID+">", "")
	content = strings.ReplaceAll(content, "<@"+userID+">", "")
	return strings.TrimSpace(content)
}
