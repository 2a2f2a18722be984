package core

import "errors"

var (
	ErrBusUnavailable = errors.New("presence bus unavailable")
	ErrRoomNotFound   = errors.New("room not found")
	ErrCreation       = errors.New("room creation failed")
	ErrRoomFull       = errors.New("room is full")
	ErrSessionClosed  = errors.New("session closed")
	ErrBackpressure   = errors.New("backpressure")
)
