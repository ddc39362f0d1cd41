package registry

import "time"

// Unknown is the name of a client until one is inferred from its messages.
const Unknown = "UNKNOWN"

// Conn is the transport owned by a registered client. Implementations must be
// safe for concurrent use; Close must be idempotent.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Client is a point-in-time copy of a registry entry.
type Client struct {
	ID     string
	Host   string
	Port   int
	Name   string
	Online bool
	Joined time.Time
}

// Member pairs a client snapshot with its transport.
type Member struct {
	Client
	Conn Conn
}
