package db

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("consultation not found")
	ErrInvalidState   = errors.New("action not valid for consultation status")
	ErrAlreadyClaimed = errors.New("already taken")
	ErrForbidden      = errors.New("not a participant of this consultation")

	// ErrAlreadyAssigned is returned by Claim when the caller already holds
	// the consultation.
	ErrAlreadyAssigned = errors.New("consultation already assigned to this responder")

	// ErrInvalidInput marks a request the caller must fix before retrying.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient is returned once relay retries against storage are exhausted.
	ErrTransient = errors.New("temporarily unavailable, try again")

	// ErrPendingExpired is returned by Claim when the consultation is still
	// pending but its claim window has elapsed.
	ErrPendingExpired = fmt.Errorf("%w: claim window elapsed", ErrInvalidState)
)
