package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrMalformedEvent   = errors.New("malformed event payload")
	ErrValueOutOfRange  = errors.New("chain value out of range")
	ErrInvalidListOpts  = errors.New("invalid list options")
	ErrWSDisconnect     = errors.New("websocket disconnected")
)
