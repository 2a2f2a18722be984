package core

// Frame is a raw encoded message.
type Frame []byte

// SessionID identifies one client connection within a room.
type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
