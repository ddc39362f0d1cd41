package tcpd

import (
	"errors"
	"net"
	"time"

	"github.com/shazow/rateio"
	"golang.org/x/net/netutil"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Options tune the listening socket and the connections it accepts.
type Options struct {
	// MaxConns caps concurrently open connections, zero means unlimited.
	// Further connections wait in the kernel backlog until a slot frees up.
	MaxConns int

	KeepAlive net.KeepAliveConfig
}

// Listener accepts plain TCP connections and hands each one to HandlerFunc
// on its own goroutine.
type Listener struct {
	net.Listener
	RateLimit   func() rateio.Limiter
	HandlerFunc func(conn net.Conn)
}

// Listen makes a TCP listener socket.
func Listen(laddr string, opts Options) (*Listener, error) {
	socket, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, err
	}

	var ln net.Listener = socket
	if tcp, ok := socket.(*net.TCPListener); ok {
		ln = &keepAliveListener{TCPListener: tcp, config: opts.KeepAlive}
	}
	if opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConns)
	}
	return &Listener{Listener: ln}, nil
}

// Serve accepts connections until the listener is closed. Transient accept
// failures are retried with a growing delay.
func (l *Listener) Serve() {
	defer l.Close()

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			logger.Printf("Failed to accept connection: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if l.RateLimit != nil {
			conn = ReadLimitConn(conn, l.RateLimit())
		}
		if l.HandlerFunc == nil {
			logger.Printf("[%s] No handler, closing connection", conn.RemoteAddr())
			conn.Close()
			continue
		}

		// Goroutineify to resume accepting sockets early.
		go l.HandlerFunc(conn)
	}
}
