package domain

import "fmt"

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusClaimed      Status = "CLAIMED"
	StatusFullyClaimed Status = "FULLY_CLAIMED"
	StatusRefunded     Status = "REFUNDED"
	StatusExpired      Status = "EXPIRED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusClaimed, StatusFullyClaimed, StatusRefunded, StatusExpired:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// CanTransition reports whether moving from s to next is a forward step.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next != StatusPending
}

// ClaimedOut reports whether the distributable has been fully collected.
func (s Status) ClaimedOut() bool {
	return s == StatusClaimed || s == StatusFullyClaimed
}
