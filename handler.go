package touchfish

import "github.com/touchfish/touchfish-server/registry"

// Handler receives relay events. Methods are called synchronously on the
// goroutine that produced the event and never while the registry is locked,
// so implementations may call back into the Server. Slow handlers delay that
// client's receive loop only.
type Handler interface {
	// Connected is called once a client is registered.
	Connected(c registry.Client)
	// Disconnected is called when a client goes from online to offline: a
	// failed send, a kick or a closed connection. It fires once per episode,
	// so kicking a client already marked offline by a failed send does not
	// fire it again.
	Disconnected(c registry.Client)
	// Message is called for every valid line, after name inference.
	Message(c registry.Client, text string)
	// RawData is called with the undecoded bytes of every line.
	RawData(c registry.Client, data []byte)
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnConnect    func(c registry.Client)
	OnDisconnect func(c registry.Client)
	OnMessage    func(c registry.Client, text string)
	OnRawData    func(c registry.Client, data []byte)
}

func (h HandlerFuncs) Connected(c registry.Client) {
	if h.OnConnect != nil {
		h.OnConnect(c)
	}
}

func (h HandlerFuncs) Disconnected(c registry.Client) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(c)
	}
}

func (h HandlerFuncs) Message(c registry.Client, text string) {
	if h.OnMessage != nil {
		h.OnMessage(c, text)
	}
}

func (h HandlerFuncs) RawData(c registry.Client, data []byte) {
	if h.OnRawData != nil {
		h.OnRawData(c, data)
	}
}
