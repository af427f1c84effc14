package domain

import "errors"

// Sentinel errors for the sync engine.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrUnauthorized  = errors.New("unauthorized access")
	ErrForbidden     = errors.New("forbidden")
	ErrConflict      = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternal      = errors.New("internal error")
	ErrNotConnected  = errors.New("connection not established")
	ErrStaleFetch    = errors.New("response for inactive conversation discarded")
	ErrSessionClosed = errors.New("session closed")
)
