package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Router receives decoded inbound envelopes and the end-of-connection signal.
// Events from a single connection are routed in the order the socket delivers
// them; Disconnected is called exactly once, after the last event.
type Router interface {
	Route(ctx context.Context, conn *Conn, env Envelope)
	Disconnected(ctx context.Context, connID string)
}

// ConnOptions tunes a connection's buffers and inbound rate limit.
type ConnOptions struct {
	SendBuffer     int
	MaxMessageSize int64
	RatePerSecond  float64
	RateBurst      int
}

// Conn is one live websocket connection with its outbound queue.
type Conn struct {
	id      string
	sock    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an upgraded websocket connection.
func NewConn(sock *websocket.Conn, log *slog.Logger, opts ConnOptions) *Conn {
	if log == nil {
		log = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.MaxMessageSize > 0 {
		sock.SetReadLimit(opts.MaxMessageSize)
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RatePerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	id := uuid.NewString()
	return &Conn{
		id:      id,
		sock:    sock,
		send:    make(chan []byte, opts.SendBuffer),
		limiter: limiter,
		logger:  log.With(slog.String("conn_id", id)),
		closed:  make(chan struct{}),
	}
}

// ID returns the connection's transport-assigned identifier.
func (c *Conn) ID() string {
	return c.id
}

// Enqueue queues an encoded frame for the write pump. It reports false when
// the buffer is full or the connection is closed.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Send encodes and queues one event for this connection.
func (c *Conn) Send(event string, payload any) bool {
	frame, err := Encode(event, payload)
	if err != nil {
		c.logger.Error("encode event", slog.String("event", event), slog.Any("error", err))
		return false
	}
	return c.Enqueue(frame)
}

// Close shuts the connection down; safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close()
	})
}

// ReadLoop reads frames until the socket fails or closes, routing each decoded
// envelope in order. It calls router.Disconnected before returning.
func (c *Conn) ReadLoop(ctx context.Context, router Router) {
	defer func() {
		c.Close()
		router.Disconnected(ctx, c.id)
	}()

	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", slog.Any("error", err))
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("inbound rate limit exceeded; dropping event")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("malformed envelope", slog.Any("error", err))
			continue
		}
		if env.Event == "" {
			c.logger.Warn("envelope without event name")
			continue
		}
		router.Route(ctx, c, env)
	}
}

// WriteLoop drains the outbound queue and keeps the connection alive with
// pings. Run it in its own goroutine; it exits when the connection closes.
func (c *Conn) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
