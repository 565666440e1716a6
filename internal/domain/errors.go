package domain

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrRunNotFound         = errors.New("run not found or finalized")
	ErrInvalidParent       = errors.New("invalid parent reference")
	ErrBranchDepthExceeded = errors.New("branch depth exceeded")
	ErrUnknownStrategy     = errors.New("unknown racing strategy")
	ErrRaceInProgress      = errors.New("racing group already open for step")
	ErrAlreadyResolved     = errors.New("already resolved")
	ErrStaleState          = errors.New("stale session state version")
	ErrExpired             = errors.New("expired")
)
