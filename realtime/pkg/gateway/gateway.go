// Package gateway authenticates realtime connections, authorizes their
// topic subscriptions and fans state changes out to them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/realtime/pkg/audit"
	"github.com/giftlane/relay/realtime/pkg/auth"
	"github.com/giftlane/relay/realtime/pkg/metrics"
	"github.com/giftlane/relay/realtime/pkg/notify"
	"github.com/giftlane/relay/realtime/pkg/ratelimit"
	"github.com/giftlane/relay/store"
)

// Handshake is what a client presents when connecting.
type Handshake struct {
	IP        string
	UserAgent string
	Token     string
	ConnID    string
}

// Session is an authenticated connection.
type Session struct {
	ConnID      string
	UserID      string
	IP          string
	UserAgent   string
	ConnectedAt time.Time
}

type Gateway struct {
	log      *slog.Logger
	cfg      Config
	hub      *hub
	registry *registry
}

func New(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{
		log:      cfg.Logger,
		cfg:      cfg,
		hub:      newHub(),
		registry: &registry{rdb: cfg.Redis, ttl: cfg.KeyTTL},
	}, nil
}

// Authenticate runs the admission pipeline: IP ban, IP window, token, user
// window, then the per-user connection cap. Every outcome is audited. The
// returned error is always a *Rejection.
func (g *Gateway) Authenticate(ctx context.Context, hs Handshake) (*Session, error) {
	sess, rej := g.authenticate(ctx, hs)
	if rej != nil {
		metrics.GatewayHandshakesTotal.WithLabelValues("rejected", rej.Reason).Inc()
		g.log.Debug("gateway: connection rejected", "ip", hs.IP, "type", rej.Type, "reason", rej.Reason)
		return nil, rej
	}
	metrics.GatewayHandshakesTotal.WithLabelValues("accepted", "").Inc()
	return sess, nil
}

func (g *Gateway) authenticate(ctx context.Context, hs Handshake) (*Session, *Rejection) {
	event := func(t audit.EventType, subject string, details map[string]any) audit.SecurityEvent {
		if details == nil {
			details = map[string]any{}
		}
		details["conn_id"] = hs.ConnID
		return audit.SecurityEvent{Type: t, Subject: subject, IP: hs.IP, UserAgent: hs.UserAgent, Details: details}
	}
	internal := func(stage string, err error) *Rejection {
		g.log.Error("gateway: handshake failed", "stage", stage, "ip", hs.IP, "error", err)
		g.record(ctx, event(audit.EventConnectionRejected, "", map[string]any{"reason": "internal_error", "stage": stage}))
		return reject(TypeConnectionRejected, http.StatusServiceUnavailable, "internal_error")
	}

	banned, ttl, err := g.cfg.Limiter.Banned(ctx, hs.IP)
	if err != nil {
		return nil, internal("ban", err)
	}
	if banned {
		g.record(ctx, event(audit.EventConnectionRejected, "", map[string]any{"reason": "ip_banned"}))
		rej := reject(TypeConnectionRejected, http.StatusForbidden, "ip_banned")
		rej.RetryAfter = ttl
		return nil, rej
	}

	d, err := g.cfg.Limiter.Allow(ctx, ratelimit.ScopeIP, hs.IP, g.cfg.IPCapacity)
	if err != nil {
		return nil, internal("ip_rate", err)
	}
	if !d.Allowed {
		g.record(ctx, event(audit.EventRateLimitExceeded, "", map[string]any{
			"scope": string(ratelimit.ScopeIP), "count": d.Count, "capacity": g.cfg.IPCapacity,
		}))
		if d.Count > 2*g.cfg.IPCapacity {
			g.ban(ctx, hs, d.Count)
		}
		rej := reject(TypeRateLimitExceeded, http.StatusTooManyRequests, "ip_rate_limit")
		rej.RetryAfter = d.RetryAfter
		return nil, rej
	}

	id, err := g.cfg.Verifier.Verify(hs.Token)
	if err != nil {
		reason := auth.ReasonOf(err)
		g.record(ctx, event(audit.EventAuthFailure, "", map[string]any{"reason": string(reason)}))
		return nil, reject(TypeConnectionRejected, http.StatusUnauthorized, "auth_"+string(reason))
	}

	d, err = g.cfg.Limiter.Allow(ctx, ratelimit.ScopeUser, id.UserID, g.cfg.UserCapacity)
	if err != nil {
		return nil, internal("user_rate", err)
	}
	if !d.Allowed {
		g.record(ctx, event(audit.EventRateLimitExceeded, id.UserID, map[string]any{
			"scope": string(ratelimit.ScopeUser), "count": d.Count, "capacity": g.cfg.UserCapacity,
		}))
		rej := reject(TypeRateLimitExceeded, http.StatusTooManyRequests, "user_rate_limit")
		rej.RetryAfter = d.RetryAfter
		return nil, rej
	}

	now := g.cfg.Clock.Now().UTC()
	evicted, err := g.registry.admit(ctx, id.UserID, hs.ConnID, now, g.cfg.MaxConnectionsPerUser)
	if err != nil {
		return nil, internal("admit", err)
	}
	if len(evicted) > 0 {
		for _, connID := range evicted {
			g.record(ctx, event(audit.EventConnectionEvicted, id.UserID, map[string]any{
				"evicted_conn_id": connID, "max": g.cfg.MaxConnectionsPerUser,
			}))
		}
		metrics.GatewayEvictionsTotal.Add(float64(len(evicted)))
		g.evict(ctx, notify.Eviction{UserID: id.UserID, ConnIDs: evicted})
	}

	g.record(ctx, event(audit.EventConnectionAccepted, id.UserID, nil))
	return &Session{
		ConnID:      hs.ConnID,
		UserID:      id.UserID,
		IP:          hs.IP,
		UserAgent:   hs.UserAgent,
		ConnectedAt: now,
	}, nil
}

func (g *Gateway) ban(ctx context.Context, hs Handshake, count int64) {
	banned, err := g.cfg.Limiter.Ban(ctx, hs.IP, g.cfg.BanDuration, "ip rate limit exceeded twice over")
	if err != nil {
		g.log.Warn("gateway: failed to ban ip", "ip", hs.IP, "error", err)
		return
	}
	if banned {
		g.record(ctx, audit.SecurityEvent{
			Type:      audit.EventIPBanned,
			IP:        hs.IP,
			UserAgent: hs.UserAgent,
			Details:   map[string]any{"count": count, "duration": g.cfg.BanDuration.String()},
		})
	}
}

func (g *Gateway) evict(ctx context.Context, ev notify.Eviction) {
	if g.cfg.Evictor == nil {
		g.HandleEviction(ev)
		return
	}
	if err := g.cfg.Evictor.Evict(ctx, ev); err != nil {
		g.log.Warn("gateway: failed to publish eviction, closing local connections only", "user", ev.UserID, "error", err)
		g.HandleEviction(ev)
	}
}

// HandleEviction closes the named connections if this process holds them.
func (g *Gateway) HandleEviction(ev notify.Eviction) {
	notice := errorFrame(reject(TypeConnectionEvicted, 0, "connection_cap"))
	for _, connID := range ev.ConnIDs {
		m, ok := g.hub.get(connID)
		if !ok || m.sess.UserID != ev.UserID {
			continue
		}
		g.log.Info("gateway: evicting connection", "user", ev.UserID, "conn_id", connID)
		m.conn.Close(&notice)
	}
}

func (g *Gateway) record(ctx context.Context, ev audit.SecurityEvent) {
	if err := g.cfg.Audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		g.log.Warn("gateway: failed to record security event", "type", ev.Type, "error", err)
	}
}

// Attach registers conn as the outbound side of sess.
func (g *Gateway) Attach(sess *Session, conn Conn) {
	g.hub.attach(sess, conn)
	metrics.GatewayConnections.Inc()
}

// Subscribe authorizes sess for topic and joins its room. The returned
// error is always a *Rejection.
func (g *Gateway) Subscribe(ctx context.Context, sess *Session, raw string) (domain.Topic, domain.Permissions, error) {
	topic, perms, rej := g.subscribe(ctx, sess, raw)
	if rej != nil {
		metrics.GatewaySubscriptionsTotal.WithLabelValues(string(rej.Type)).Inc()
		return topic, perms, rej
	}
	metrics.GatewaySubscriptionsTotal.WithLabelValues("ok").Inc()
	return topic, perms, nil
}

func (g *Gateway) subscribe(ctx context.Context, sess *Session, raw string) (domain.Topic, domain.Permissions, *Rejection) {
	var none domain.Permissions
	event := func(t audit.EventType, topic string, details map[string]any) audit.SecurityEvent {
		if details == nil {
			details = map[string]any{}
		}
		details["topic"] = topic
		details["conn_id"] = sess.ConnID
		return audit.SecurityEvent{Type: t, Subject: sess.UserID, IP: sess.IP, UserAgent: sess.UserAgent, Details: details}
	}

	topic, err := domain.ParseTopic(raw)
	if err != nil {
		return topic, none, reject(TypeInvalidTopic, 0, "unparseable_topic")
	}
	name := topic.String()

	res, err := g.registry.reserve(ctx, sess.UserID, name, g.cfg.MaxSubscriptionsPerUser)
	if err != nil {
		g.log.Error("gateway: subscription reserve failed", "topic", name, "error", err)
		return topic, none, reject(TypePermissionDenied, 0, "internal_error")
	}
	if res == reserveFull {
		g.record(ctx, event(audit.EventSubscriptionLimitExceeded, name, map[string]any{"max": g.cfg.MaxSubscriptionsPerUser}))
		return topic, none, reject(TypeSubscriptionLimitExceeded, 0, "subscription_cap")
	}
	undo := func() {
		if res != reserveAdded {
			return
		}
		if err := g.registry.release(context.WithoutCancel(ctx), sess.UserID, name); err != nil {
			g.log.Warn("gateway: failed to release subscription", "topic", name, "error", err)
		}
	}

	d, err := g.cfg.Resources.GetDistributable(ctx, topic.Kind, topic.ID)
	if errors.Is(err, store.ErrNotFound) {
		undo()
		return topic, none, reject(TypeInvalidTopic, 0, "unknown_resource")
	}
	if err != nil {
		undo()
		g.log.Error("gateway: failed to resolve topic", "topic", name, "error", err)
		return topic, none, reject(TypePermissionDenied, 0, "internal_error")
	}

	perms, err := g.Permissions(ctx, sess.UserID, d)
	if err != nil {
		undo()
		g.log.Error("gateway: failed to resolve permissions", "topic", name, "error", err)
		return topic, none, reject(TypePermissionDenied, 0, "internal_error")
	}
	if !perms.CanView {
		undo()
		g.record(ctx, event(audit.EventPermissionDenied, name, nil))
		return topic, perms, reject(TypePermissionDenied, 0, "not_a_party")
	}

	if !g.hub.join(name, sess.ConnID, perms) {
		undo()
		return topic, none, reject(TypeConnectionRejected, 0, "not_attached")
	}
	g.record(ctx, event(audit.EventSubscribed, name, map[string]any{
		"can_view_stats": perms.CanViewStats, "can_view_claims": perms.CanViewClaims,
	}))
	return topic, perms, nil
}

// Permissions computes what user may see of d. Packets are public; gifts
// are visible to their creator, their recipient and past claimers. Stats
// are creator-only and claims are visible to the creator and past claimers.
func (g *Gateway) Permissions(ctx context.Context, user string, d *domain.Distributable) (domain.Permissions, error) {
	creator := domain.SameAddress(d.Creator, user)
	claimed := false
	if !creator {
		var err error
		if claimed, err = g.cfg.Resources.HasClaimed(ctx, d.Kind, d.ID, user); err != nil {
			return domain.Permissions{}, fmt.Errorf("failed to check claims: %w", err)
		}
	}
	view := true
	if !d.Kind.Pooled() {
		view = creator || claimed || domain.SameAddress(d.Recipient, user)
	}
	return domain.Permissions{
		CanView:       view,
		CanViewStats:  creator,
		CanViewClaims: creator || claimed,
	}, nil
}

// Unsubscribe leaves topic. Leaving a topic that was never joined is not an
// error.
func (g *Gateway) Unsubscribe(ctx context.Context, sess *Session, raw string) (domain.Topic, error) {
	topic, err := domain.ParseTopic(raw)
	if err != nil {
		return topic, reject(TypeInvalidTopic, 0, "unparseable_topic")
	}
	g.hub.leave(topic.String(), sess.ConnID)
	if err := g.registry.release(ctx, sess.UserID, topic.String()); err != nil {
		g.log.Warn("gateway: failed to release subscription", "topic", topic.String(), "error", err)
	}
	return topic, nil
}

// DisconnectCleanup removes the connection record and all of the user's
// subscription records, and leaves every local room.
func (g *Gateway) DisconnectCleanup(ctx context.Context, sess *Session) error {
	if g.hub.detach(sess.ConnID) != nil {
		metrics.GatewayConnections.Dec()
	}
	return g.registry.remove(context.WithoutCancel(ctx), sess.UserID, sess.ConnID)
}

// Refresh extends the TTL of the user's connection and subscription
// records.
func (g *Gateway) Refresh(ctx context.Context, sess *Session) error {
	return g.registry.touch(ctx, sess.UserID)
}

// Broadcast delivers n to the local members of topic, each redacted to its
// permissions. Delivery is best effort.
func (g *Gateway) Broadcast(topic domain.Topic, event string, n domain.Notice) int {
	name := topic.String()
	if n.Claim != nil {
		// A claimer sees claims from the moment they claim.
		g.hub.grantClaims(name, n.Claim.Claimer)
	}
	delivered := 0
	for _, r := range g.hub.room(name) {
		if r.conn.Send(Frame{Event: event, Data: n.Redact(r.perms)}) {
			delivered++
		} else {
			metrics.GatewayDroppedMessagesTotal.Inc()
		}
	}
	metrics.GatewayBroadcastsTotal.WithLabelValues(event).Inc()
	return delivered
}

// HandleBroadcast implements notify.Handler.
func (g *Gateway) HandleBroadcast(b notify.Broadcast) {
	g.Broadcast(b.Topic(), b.Event, b.Notice)
}

// Connections returns the connection ids registered for user across all
// processes, oldest first.
func (g *Gateway) Connections(ctx context.Context, user string) ([]string, error) {
	return g.registry.connections(ctx, user)
}

// Subscriptions returns the topics recorded for user.
func (g *Gateway) Subscriptions(ctx context.Context, user string) ([]string, error) {
	return g.registry.subscriptions(ctx, user)
}

// LocalConnections is the number of connections attached to this process.
func (g *Gateway) LocalConnections() int {
	return g.hub.size()
}
