package session

import "errors"

var (
	ErrNotFound        = errors.New("session: pipe not found")
	ErrAlreadyAttached = errors.New("session: side already attached")
	ErrAlreadyPaired   = errors.New("session: pipe already paired")
	ErrClosed          = errors.New("session: closed")
	ErrUnknownSide     = errors.New("session: unknown side")
	ErrEmptyPipe       = errors.New("session: empty pipe id")
)
