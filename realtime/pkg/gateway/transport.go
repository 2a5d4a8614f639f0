package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/giftlane/relay/realtime/pkg/auth"
	"github.com/giftlane/relay/realtime/pkg/audit"
	"github.com/giftlane/relay/utils/pkg/clientip"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

func (g *Gateway) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates the handshake, upgrades to a websocket and serves
// the connection until either side closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs := Handshake{
		IP:        clientip.FromRequest(r, g.cfg.TrustProxy),
		UserAgent: r.UserAgent(),
		Token:     auth.TokenFromRequest(r),
		ConnID:    uuid.NewString(),
	}
	sess, err := g.Authenticate(r.Context(), hs)
	if err != nil {
		rej, ok := err.(*Rejection)
		if !ok {
			rej = reject(TypeConnectionRejected, http.StatusServiceUnavailable, "internal_error")
		}
		writeRejection(w, rej)
		return
	}

	ws, err := g.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.log.Debug("gateway: upgrade failed", "conn_id", sess.ConnID, "error", err)
		if err := g.registry.remove(context.WithoutCancel(r.Context()), sess.UserID, sess.ConnID); err != nil {
			g.log.Warn("gateway: failed to remove connection", "conn_id", sess.ConnID, "error", err)
		}
		return
	}

	c := newWSConn(g, ws)
	g.Attach(sess, c)
	g.log.Debug("gateway: connection opened", "conn_id", sess.ConnID, "user", sess.UserID, "ip", sess.IP)

	ctx := context.WithoutCancel(r.Context())
	go c.writeLoop()
	g.readLoop(ctx, sess, c)

	c.Close(nil)
	<-c.done
	if err := g.DisconnectCleanup(ctx, sess); err != nil {
		g.log.Warn("gateway: disconnect cleanup failed", "conn_id", sess.ConnID, "error", err)
	}
	g.log.Debug("gateway: connection closed", "conn_id", sess.ConnID, "user", sess.UserID)
}

func (g *Gateway) readLoop(ctx context.Context, sess *Session, c *wsConn) {
	ws := c.ws
	ws.SetReadLimit(g.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		if err := g.Refresh(ctx, sess); err != nil {
			g.log.Warn("gateway: failed to refresh connection", "conn_id", sess.ConnID, "error", err)
		}
		return ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	limiter := rate.NewLimiter(g.cfg.MessageRate, g.cfg.MessageBurst)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug("gateway: read failed", "conn_id", sess.ConnID, "error", err)
			}
			return
		}
		if !limiter.Allow() {
			g.record(ctx, audit.SecurityEvent{
				Type:      audit.EventRateLimitExceeded,
				Subject:   sess.UserID,
				IP:        sess.IP,
				UserAgent: sess.UserAgent,
				Details:   map[string]any{"scope": "message", "conn_id": sess.ConnID},
			})
			c.Send(errorFrame(reject(TypeRateLimitExceeded, 0, "message_rate")))
			continue
		}
		g.handleMessage(ctx, sess, c, data)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, sess *Session, c *wsConn, data []byte) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		c.Send(errorFrame(reject(TypeInvalidMessage, 0, "malformed")))
		return
	}
	switch msg.Event {
	case EventSubscribe:
		topic, perms, err := g.Subscribe(ctx, sess, msg.Topic)
		if err != nil {
			c.Send(errorFrame(asRejection(err)))
			return
		}
		c.Send(Frame{Event: EventSubscribed, Data: SubscribedData{Topic: topic.String(), Permissions: perms}})
	case EventUnsubscribe:
		topic, err := g.Unsubscribe(ctx, sess, msg.Topic)
		if err != nil {
			c.Send(errorFrame(asRejection(err)))
			return
		}
		c.Send(Frame{Event: EventUnsubscribed, Data: TopicData{Topic: topic.String()}})
	default:
		c.Send(errorFrame(reject(TypeInvalidMessage, 0, "unknown_event")))
	}
}

func asRejection(err error) *Rejection {
	if rej, ok := err.(*Rejection); ok {
		return rej
	}
	return reject(TypeInvalidMessage, 0, "internal_error")
}

// wsConn owns the write side of a websocket. Only writeLoop writes to ws.
type wsConn struct {
	g    *Gateway
	ws   *websocket.Conn
	send chan Frame

	closeOnce sync.Once
	closing   chan struct{}
	final     *Frame
	// done is closed once the socket is closed.
	done chan struct{}
}

func newWSConn(g *Gateway, ws *websocket.Conn) *wsConn {
	return &wsConn{
		g:       g,
		ws:      ws,
		send:    make(chan Frame, g.cfg.SendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *wsConn) Send(f Frame) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close(final *Frame) {
	c.closeOnce.Do(func() {
		c.final = final
		close(c.closing)
	})
}

func (c *wsConn) writeLoop() {
	cfg := c.g.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				c.Close(nil)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(nil)
				return
			}
		case <-c.closing:
			if c.final != nil {
				_ = c.write(*c.final)
			}
			deadline := time.Now().Add(cfg.WriteWait)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(c.final)), deadline)
			return
		}
	}
}

func (c *wsConn) write(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.g.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func closeReason(f *Frame) string {
	if f == nil {
		return ""
	}
	if d, ok := f.Data.(ErrorData); ok {
		return string(d.Type)
	}
	return ""
}
