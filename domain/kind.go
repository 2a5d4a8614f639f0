package domain

import "fmt"

// Kind distinguishes single-recipient gifts from pooled packets.
type Kind string

const (
	KindGift   Kind = "gift"
	KindPacket Kind = "packet"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindGift, KindPacket:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown distributable kind %q", s)
}

// Pooled reports whether many claimers share one distributable.
func (k Kind) Pooled() bool {
	return k == KindPacket
}

func (k Kind) String() string {
	return string(k)
}
