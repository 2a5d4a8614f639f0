package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidTopic = errors.New("invalid topic")

// Topic names the broadcast room for one distributable, e.g. "gift:42".
type Topic struct {
	Kind Kind
	ID   string
}

func ParseTopic(s string) (Topic, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	canonical, err := CanonicalID(id)
	if err != nil {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	return Topic{Kind: k, ID: canonical}, nil
}

func TopicFor(kind Kind, id string) Topic {
	return Topic{Kind: kind, ID: id}
}

func (t Topic) String() string {
	return string(t.Kind) + ":" + t.ID
}

// CanonicalID validates a ledger-assigned id (a non-negative integer) and
// strips leading zeros so "007" and "7" name the same row.
func CanonicalID(s string) (string, error) {
	if s == "" || strings.ContainsAny(s, "+-.eE ") {
		return "", fmt.Errorf("invalid id %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	if d.IsNegative() || !d.IsInteger() {
		return "", fmt.Errorf("invalid id %q", s)
	}
	return d.String(), nil
}
