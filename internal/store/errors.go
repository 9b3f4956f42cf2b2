package store

import "errors"

var (
	ErrBookingNotFound   = errors.New("booking not found")
	ErrQueueNotFound     = errors.New("queue entry not found")
	ErrDuplicateEntry    = errors.New("patient already queued for clinic and date")
	ErrNoWaiting         = errors.New("no waiting entry")
	ErrInvalidTransition = errors.New("invalid queue transition")
	ErrTransient         = errors.New("store temporarily unavailable")
)
