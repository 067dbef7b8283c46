package storage

import "errors"

var (
	ErrNilSession  = errors.New("session is nil")
	ErrInvalidRole = errors.New("invalid message role")
)
