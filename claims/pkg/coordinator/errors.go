package coordinator

import "errors"

// Code is a stable, client-facing error code.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeAlreadyClaimed     Code = "already_claimed"
	CodeRefunded           Code = "refunded"
	CodeExpired            Code = "expired"
	CodeNotRecipient       Code = "not_recipient"
	CodeAlreadyClaimedPool Code = "already_claimed_pool"
	CodePoolExhausted      Code = "pool_exhausted"
	CodeInvalidAmount      Code = "invalid_amount"
	CodeInvalidRequest     Code = "invalid_request"
	CodeTxFailed           Code = "tx_failed"
	CodeTxPending          Code = "tx_pending"
	CodeLocked             Code = "locked"
	CodeDuplicateRequest   Code = "duplicate_request"
)

// Error is a validation or contention failure. Two Errors match under
// errors.Is when their codes are equal.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether the same request may succeed later without any
// state change, i.e. it lost a race.
func (e *Error) Retryable() bool {
	return e.Code == CodeLocked || e.Code == CodeDuplicateRequest || e.Code == CodeTxPending
}

var (
	ErrNotFound           = &Error{Code: CodeNotFound, Msg: "distributable not found"}
	ErrAlreadyClaimed     = &Error{Code: CodeAlreadyClaimed, Msg: "already claimed"}
	ErrRefunded           = &Error{Code: CodeRefunded, Msg: "distributable was refunded"}
	ErrExpired            = &Error{Code: CodeExpired, Msg: "distributable has expired"}
	ErrNotRecipient       = &Error{Code: CodeNotRecipient, Msg: "caller is not the recipient"}
	ErrAlreadyClaimedPool = &Error{Code: CodeAlreadyClaimedPool, Msg: "caller already claimed from this pool"}
	ErrPoolExhausted      = &Error{Code: CodePoolExhausted, Msg: "pool has no remaining units"}
	ErrInvalidAmount      = &Error{Code: CodeInvalidAmount, Msg: "requested amount is not available"}
	ErrLocked             = &Error{Code: CodeLocked, Msg: "resource is locked, retry later"}
	ErrDuplicateRequest   = &Error{Code: CodeDuplicateRequest, Msg: "request already processed"}
	ErrTxFailed           = &Error{Code: CodeTxFailed, Msg: "transaction reverted"}
	ErrTxPending          = &Error{Code: CodeTxPending, Msg: "transaction is not mined yet"}
)

func invalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Msg: msg}
}

// CodeOf returns the code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
