package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Types   []EventType
	IP      string
	Subject string
	Since   time.Time
	Before  time.Time
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}
	if f.IP != "" {
		add("ip = $%d", f.IP)
	}
	if f.Subject != "" {
		add("subject = $%d", f.Subject)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Before.IsZero() {
		add("created_at < $%d", f.Before)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (l *Log) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := l.cfg.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM security_events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count security events: %w", err)
	}
	return n, nil
}

// CountByType groups matching events by type.
func (l *Log) CountByType(ctx context.Context, f Filter) (map[EventType]int64, error) {
	where, args := f.where()
	rows, err := l.cfg.Pool.Query(ctx, `SELECT type, COUNT(*) FROM security_events`+where+` GROUP BY type`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count security events: %w", err)
	}
	defer rows.Close()

	out := make(map[EventType]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[EventType(t)] = n
	}
	return out, rows.Err()
}

// List returns matching events oldest first.
func (l *Log) List(ctx context.Context, f Filter, limit int) ([]SecurityEvent, error) {
	where, args := f.where()
	args = append(args, limit)
	rows, err := l.cfg.Pool.Query(ctx, `
		SELECT id, type, subject, ip, user_agent, details, created_at
		FROM security_events`+where+fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	var out []SecurityEvent
	for rows.Next() {
		var (
			ev      SecurityEvent
			t       string
			details []byte
		)
		if err := rows.Scan(&ev.ID, &t, &ev.Subject, &ev.IP, &ev.UserAgent, &details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(t)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("event %s details: %w", ev.ID, err)
			}
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteBefore removes events older than cutoff.
func (l *Log) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.cfg.Pool.Exec(ctx, `DELETE FROM security_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete security events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (l *Log) deleteEvents(ctx context.Context, events []SecurityEvent) (int64, error) {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID.String()
	}
	tag, err := l.cfg.Pool.Exec(ctx, `DELETE FROM security_events WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived security events: %w", err)
	}
	return tag.RowsAffected(), nil
}
