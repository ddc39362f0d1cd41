package touchfish

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shazow/rateio"
	"github.com/touchfish/touchfish-server/registry"
	"github.com/touchfish/touchfish-server/tcpd"
)

// The error returned when Start is called on a running server.
var ErrServerRunning = errors.New("server already running")

// Skip excludes clients from a broadcast.
type Skip func(c registry.Client) bool

// ExceptHost skips every connection from host.
func ExceptHost(host string) Skip {
	return func(c registry.Client) bool {
		return c.Host == host
	}
}

// ExceptID skips a single connection.
func ExceptID(id string) Skip {
	return func(c registry.Client) bool {
		return c.ID == id
	}
}

// Option configures a Server at construction.
type Option func(*Server)

// WithMetrics records relay activity into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server accepts line clients and relays between them.
type Server struct {
	cfg     Config
	handler Handler
	metrics *Metrics
	clients *registry.Registry

	mu       sync.Mutex
	running  bool
	listener *tcpd.Listener
	wg       sync.WaitGroup
}

// NewServer creates a stopped server. A nil handler ignores all events.
func NewServer(cfg Config, handler Handler, opts ...Option) *Server {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	s := &Server{
		cfg:     cfg.sanitize(),
		handler: handler,
		clients: registry.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listening socket and begins accepting clients. It returns
// once the socket is listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerRunning
	}

	addr := s.cfg.Addr()
	listener, err := tcpd.Listen(addr, tcpd.Options{
		MaxConns:  s.cfg.MaxConnections,
		KeepAlive: s.cfg.KeepAlive(),
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if limit := s.cfg.ReadLimit; limit.Enabled() {
		listener.RateLimit = func() rateio.Limiter {
			return rateio.NewSimpleLimiter(limit.Amount, limit.Interval)
		}
	}
	listener.HandlerFunc = s.accept

	s.listener = listener
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		listener.Serve()
	}()

	if limit := s.cfg.MaxConnections; limit > 0 {
		logger.Infof("Listening on %s, serving at most %d clients at once; more connections wait unserved in the backlog", listener.Addr(), limit)
	} else {
		logger.Infof("Listening on %s, no client limit", listener.Addr())
	}
	return nil
}

// Stop closes the listener and every client connection, then waits for all
// server goroutines to exit. Disconnected is not fired for clients closed
// this way. Handlers must not call Stop.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	s.mu.Unlock()

	err := listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	members := s.clients.Clear()
	for _, m := range members {
		m.Conn.Close()
	}
	s.metrics.setConnected(0)

	s.wg.Wait()
	logger.Infof("Stopped, closed %d client connections", len(members))
	return err
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Count returns the number of registered clients.
func (s *Server) Count() int {
	return s.clients.Len()
}

// ListClients returns a snapshot of every registered client, oldest first.
func (s *Server) ListClients() []registry.Client {
	return s.clients.List()
}

// Broadcast sends msg to every client not matched by skip. Clients that fail
// are marked offline but stay registered until their connection closes.
func (s *Server) Broadcast(msg string, skip ...Skip) {
	data := encodeLine(msg)
	members := s.clients.Members(func(c registry.Client) bool {
		for _, fn := range skip {
			if fn != nil && fn(c) {
				return true
			}
		}
		return false
	})

	s.metrics.incRelayed()
	logger.Debugf("Broadcast to %d: %s", len(members), strings.TrimSuffix(msg, "\n"))
	for _, m := range members {
		s.deliver(m, data)
	}
}

// SendTo sends msg to every connection from host. It reports whether there
// was at least one and all sends succeeded.
func (s *Server) SendTo(host, msg string) bool {
	members := s.clients.ByHost(host)
	if len(members) == 0 {
		return false
	}

	data := encodeLine(msg)
	ok := true
	for _, m := range members {
		if !s.deliver(m, data) {
			ok = false
		}
	}
	return ok
}

// SendToID sends msg to one connection.
func (s *Server) SendToID(id, msg string) bool {
	m, ok := s.clients.Get(id)
	if !ok {
		return false
	}
	return s.deliver(m, encodeLine(msg))
}

// Kick disconnects every connection from host, telling them reason first if
// it is not empty. It returns the number of clients removed.
func (s *Server) Kick(host, reason string) int {
	n := 0
	for _, m := range s.clients.ByHost(host) {
		if s.kick(m, reason) {
			n++
		}
	}
	return n
}

// KickID disconnects one connection.
func (s *Server) KickID(id, reason string) bool {
	m, ok := s.clients.Get(id)
	if !ok {
		return false
	}
	return s.kick(m, reason)
}

func (s *Server) kick(m registry.Member, reason string) bool {
	if reason != "" {
		// Best-effort, removal goes ahead regardless.
		s.SendToID(m.ID, s.cfg.Notice+reason)
	}

	removed, err := s.clients.Remove(m.ID)
	if err != nil {
		return false
	}
	removed.Conn.Close()
	s.metrics.incKicked()
	s.metrics.setConnected(s.clients.Len())

	logger.Infof("[%s] Kicked: %s (%s)", hostPort(removed.Client), removed.Name, removed.ID)
	if removed.Online {
		removed.Online = false
		s.notifyDisconnect(removed.Client)
	}
	return true
}

// deliver sends data to one member and updates its liveness.
func (s *Server) deliver(m registry.Member, data []byte) bool {
	err := m.Conn.Send(data)
	s.metrics.incSent(err)
	if err == nil {
		s.clients.SetOnline(m.ID, true)
		return true
	}

	logger.Debugf("[%s] Send failed: %v", hostPort(m.Client), err)
	changed, rerr := s.clients.SetOnline(m.ID, false)
	if rerr == nil && changed {
		m.Online = false
		s.notifyDisconnect(m.Client)
	}
	return false
}

func (s *Server) notifyDisconnect(c registry.Client) {
	s.metrics.incDisconnected()
	s.handler.Disconnected(c)
}

// accept registers a new connection and services it until it closes.
func (s *Server) accept(conn net.Conn) {
	host, port := splitAddr(conn.RemoteAddr())
	p := newPeer(uuid.NewString(), conn, s.cfg)
	client := registry.Client{
		ID:     p.id,
		Host:   host,
		Port:   port,
		Name:   registry.Unknown,
		Online: true,
		Joined: time.Now(),
	}

	// Registration and the running check share the lock Stop flips the flag
	// under, so nothing is registered after Stop cleared the registry.
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		p.Close()
		return
	}
	err := s.clients.Add(client, p)
	if err == nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if err != nil {
		logger.Errorf("[%s] Failed to register: %v", conn.RemoteAddr(), err)
		p.Close()
		return
	}
	defer s.wg.Done()

	s.metrics.incAccepted()
	s.metrics.setConnected(s.clients.Len())
	logger.Debugf("[%s] Connected: %s", conn.RemoteAddr(), client.ID)

	s.handler.Connected(client)
	s.receive(p)
}

func encodeLine(msg string) []byte {
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	return []byte(msg)
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	n, _ := strconv.Atoi(port)
	return host, n
}

func hostPort(c registry.Client) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
