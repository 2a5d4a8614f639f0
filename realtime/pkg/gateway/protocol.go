package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/giftlane/relay/domain"
)

// ErrorType is the client-visible error enumeration.
type ErrorType string

const (
	TypeConnectionRejected        ErrorType = "connection-rejected"
	TypeRateLimitExceeded         ErrorType = "rate-limit-exceeded"
	TypePermissionDenied          ErrorType = "permission-denied"
	TypeInvalidTopic              ErrorType = "invalid-topic"
	TypeSubscriptionLimitExceeded ErrorType = "subscription-limit-exceeded"
	TypeConnectionEvicted         ErrorType = "connection-evicted"
	TypeInvalidMessage            ErrorType = "invalid-message"
)

// Rejection is a security or validation refusal. Type and Message go to the
// client; Reason is kept for logs and the audit trail.
type Rejection struct {
	Type       ErrorType
	Message    string
	Reason     string
	Status     int
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s (%s)", r.Type, r.Reason)
}

func reject(t ErrorType, status int, reason string) *Rejection {
	msg := "connection rejected"
	switch t {
	case TypeRateLimitExceeded:
		msg = "too many requests, slow down"
	case TypePermissionDenied:
		msg = "not allowed to view this topic"
	case TypeInvalidTopic:
		msg = "unknown topic"
	case TypeSubscriptionLimitExceeded:
		msg = "too many subscriptions"
	case TypeConnectionEvicted:
		msg = "connection closed by a newer session"
	case TypeInvalidMessage:
		msg = "unrecognized message"
	}
	return &Rejection{Type: t, Message: msg, Reason: reason, Status: status}
}

const (
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

// Frame is one server-to-client message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type SubscribedData struct {
	Topic       string             `json:"topic"`
	Permissions domain.Permissions `json:"permissions"`
}

type TopicData struct {
	Topic string `json:"topic"`
}

type ErrorData struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func errorFrame(r *Rejection) Frame {
	return Frame{Event: EventError, Data: ErrorData{Type: r.Type, Message: r.Message}}
}

// ClientMessage is a client request. Both {"event":"subscribe","topic":"gift:1"}
// and the text form "subscribe:gift:1" are accepted.
type ClientMessage struct {
	Event string `json:"event"`
	Topic string `json:"topic"`
}

func ParseClientMessage(data []byte) (ClientMessage, error) {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, "{") {
		var m ClientMessage
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return m, err
		}
		return m, nil
	}
	event, topic, ok := strings.Cut(s, ":")
	if !ok {
		return ClientMessage{}, fmt.Errorf("malformed message %q", s)
	}
	return ClientMessage{Event: event, Topic: topic}, nil
}

func writeRejection(w http.ResponseWriter, r *Rejection) {
	w.Header().Set("Content-Type", "application/json")
	if r.RetryAfter > 0 {
		secs := int(r.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	status := r.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorData{Type: r.Type, Message: r.Message})
}
