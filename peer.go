package touchfish

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shazow/rateio"
	"github.com/touchfish/touchfish-server/registry"
)

// peer is the transport side of a registered client. The registry sees it as
// a registry.Conn; the receive loop owns its line buffer.
type peer struct {
	id   string
	conn net.Conn

	lines   lineBuffer
	limiter rateio.Limiter

	writeTimeout time.Duration
	mu           sync.Mutex
	broken       error
	closeOnce    sync.Once
	closeErr     error
}

func newPeer(id string, conn net.Conn, cfg Config) *peer {
	p := &peer{
		id:           id,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
	}
	if cfg.MessageLimit.Enabled() {
		p.limiter = rateio.NewSimpleLimiter(cfg.MessageLimit.Amount, cfg.MessageLimit.Interval)
	}
	return p
}

// Send writes data as one unit. Concurrent sends never interleave. A write
// that fails part way leaves the client holding half a line, so the
// connection is closed and every later Send fails.
func (p *peer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken != nil {
		return p.broken
	}
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return err
		}
	}
	n, err := p.conn.Write(data)
	if err != nil && n > 0 {
		p.broken = fmt.Errorf("partial write of %d/%d bytes: %w", n, len(data), err)
		p.Close()
		return p.broken
	}
	return err
}

// Close closes the connection once; later calls return the first result.
func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// read waits at most timeout for data.
func (p *peer) read(buf []byte, timeout time.Duration) (int, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return p.conn.Read(buf)
}

// allow applies the per-line limit.
func (p *peer) allow() bool {
	if p.limiter == nil {
		return true
	}
	return p.limiter.Count(1) == nil
}

var _ registry.Conn = (*peer)(nil)
