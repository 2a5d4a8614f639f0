// Package audit records security decisions as append-only events and flags
// abuse patterns from their recent counts.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/giftlane/relay/realtime/pkg/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type EventType string

const (
	EventConnectionAccepted        EventType = "CONNECTION_ACCEPTED"
	EventConnectionRejected        EventType = "CONNECTION_REJECTED"
	EventAuthFailure               EventType = "AUTH_FAILURE"
	EventRateLimitExceeded         EventType = "RATE_LIMIT_EXCEEDED"
	EventIPBanned                  EventType = "IP_BANNED"
	EventConnectionEvicted         EventType = "CONNECTION_EVICTED"
	EventPermissionDenied          EventType = "PERMISSION_DENIED"
	EventSubscriptionLimitExceeded EventType = "SUBSCRIPTION_LIMIT_EXCEEDED"
	EventSubscribed                EventType = "SUBSCRIBED"
	EventSuspiciousActivity        EventType = "SUSPICIOUS_ACTIVITY"
)

// connectionTypes are the events written once per handshake.
var connectionTypes = []EventType{
	EventConnectionAccepted,
	EventConnectionRejected,
	EventAuthFailure,
	EventIPBanned,
	EventRateLimitExceeded,
}

type SecurityEvent struct {
	ID        uuid.UUID      `json:"id"`
	Type      EventType      `json:"type"`
	Subject   string         `json:"subject,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Thresholds trigger SUSPICIOUS_ACTIVITY when a recent count reaches them.
type Thresholds struct {
	AuthFailuresPerIPHour  int64
	DenialsPerUserHour     int64
	ConnectionsPerIPMinute int64
}

func (t *Thresholds) fill() {
	if t.AuthFailuresPerIPHour <= 0 {
		t.AuthFailuresPerIPHour = 10
	}
	if t.DenialsPerUserHour <= 0 {
		t.DenialsPerUserHour = 20
	}
	if t.ConnectionsPerIPMinute <= 0 {
		t.ConnectionsPerIPMinute = 30
	}
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool
	// GeoIP adds a country to events with an IP. Optional.
	GeoIP      GeoResolver
	Thresholds Thresholds
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cfg.Thresholds.fill()
	return nil
}

type Log struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Log{log: cfg.Logger, cfg: cfg}, nil
}

// Record persists ev and, for auth failures and permission denials, checks
// the anomaly thresholds.
func (l *Log) Record(ctx context.Context, ev SecurityEvent) error {
	if err := l.insert(ctx, &ev); err != nil {
		return err
	}
	if ev.Type == EventAuthFailure || ev.Type == EventPermissionDenied {
		l.detect(ctx, ev)
	}
	return nil
}

func (l *Log) insert(ctx context.Context, ev *SecurityEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.cfg.Clock.Now().UTC()
	}
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	if l.cfg.GeoIP != nil && ev.IP != "" {
		if ip := net.ParseIP(ev.IP); ip != nil {
			if country, err := l.cfg.GeoIP.Country(ip); err == nil && country != "" {
				ev.Details["country"] = country
			}
		}
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	_, err = l.cfg.Pool.Exec(ctx, `
		INSERT INTO security_events (id, type, subject, ip, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, string(ev.Type), ev.Subject, ev.IP, ev.UserAgent, details, ev.CreatedAt)
	if err != nil {
		metrics.AuditWriteErrorsTotal.Inc()
		return fmt.Errorf("failed to record %s: %w", ev.Type, err)
	}
	metrics.SecurityEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

type rule struct {
	name      string
	types     []EventType
	ip        string
	subject   string
	window    time.Duration
	threshold int64
}

// detect is informational: it never blocks or bans.
func (l *Log) detect(ctx context.Context, ev SecurityEvent) {
	th := l.cfg.Thresholds
	var rules []rule
	if ev.IP != "" {
		rules = append(rules,
			rule{"auth_failures_per_ip", []EventType{EventAuthFailure}, ev.IP, "", time.Hour, th.AuthFailuresPerIPHour},
			rule{"connections_per_ip", connectionTypes, ev.IP, "", time.Minute, th.ConnectionsPerIPMinute},
		)
	}
	if ev.Subject != "" && ev.Type == EventPermissionDenied {
		rules = append(rules,
			rule{"denials_per_user", []EventType{EventPermissionDenied}, "", ev.Subject, time.Hour, th.DenialsPerUserHour})
	}

	now := l.cfg.Clock.Now()
	for _, r := range rules {
		n, err := l.Count(ctx, Filter{Types: r.types, IP: r.ip, Subject: r.subject, Since: now.Add(-r.window)})
		if err != nil {
			l.log.Warn("audit: failed to count recent events", "rule", r.name, "error", err)
			continue
		}
		if n < r.threshold {
			continue
		}
		l.log.Warn("audit: suspicious activity", "rule", r.name, "ip", r.ip, "subject", r.subject, "count", n)
		err = l.insert(ctx, &SecurityEvent{
			Type:      EventSuspiciousActivity,
			Subject:   ev.Subject,
			IP:        ev.IP,
			UserAgent: ev.UserAgent,
			Details: map[string]any{
				"rule":      r.name,
				"count":     n,
				"threshold": r.threshold,
				"window":    r.window.String(),
			},
		})
		if err != nil {
			l.log.Warn("audit: failed to record suspicious activity", "rule", r.name, "error", err)
		}
	}
}
