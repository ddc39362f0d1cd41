package touchfish

import (
	"errors"
	"io"
	"net"
	"syscall"
	"unicode/utf8"

	"github.com/shazow/rateio"
)

const (
	readSize = 4096

	// Longest unterminated line a client may leave buffered.
	maxLineLength = 64 * 1024
)

var errLineTooLong = errors.New("line exceeds maximum length")

// receive reads from p until its connection fails or closes. Reads are
// bounded by the poll interval so the loop notices Stop.
func (s *Server) receive(p *peer) {
	buf := make([]byte, readSize)
	for {
		n, err := p.read(buf, s.cfg.PollInterval)
		if n > 0 {
			p.lines.Write(buf[:n])
			for {
				line, ok := p.lines.Next()
				if !ok {
					break
				}
				s.handleLine(p, line)
			}
			if p.lines.Len() > maxLineLength {
				s.drop(p, errLineTooLong)
				return
			}
		}

		switch {
		case err == nil:
			// A zero-length read without an error carries nothing new.
			continue
		case isTimeout(err):
			if !s.isRunning() {
				s.drop(p, nil)
				return
			}
			continue
		}
		s.drop(p, err)
		return
	}
}

func (s *Server) handleLine(p *peer, line []byte) {
	s.metrics.incReceived()

	m, ok := s.clients.Get(p.id)
	if !ok {
		// Kicked while the line was in flight.
		return
	}
	if !p.allow() {
		logger.Debugf("[%s] Line rejected: rate limiting is in effect", hostPort(m.Client))
		s.metrics.incDropped(dropRateLimited)
		return
	}

	s.handler.RawData(m.Client, line)

	if !utf8.Valid(line) {
		logger.Warningf("[%s] Dropped line: invalid UTF-8", hostPort(m.Client))
		s.metrics.incDropped(dropInvalidUTF8)
		return
	}
	text := string(line)

	if name := InferName(m.Name, text, s.cfg.JoinPatterns); name != m.Name {
		if err := s.clients.Rename(p.id, name); err != nil {
			return
		}
		logger.Debugf("[%s] %s is now known as %s", hostPort(m.Client), m.Name, name)
		m.Name = name
	}
	if _, err := s.clients.SetOnline(p.id, true); err == nil {
		m.Online = true
	}

	s.handler.Message(m.Client, text)
}

// drop unregisters p after its receive loop ended with err. Nothing happens
// if a kick or Stop removed it first.
func (s *Server) drop(p *peer, err error) {
	addr := p.conn.RemoteAddr()
	switch {
	case err == nil:
	case isClosed(err):
		logger.Debugf("[%s] Connection closed: %v", addr, err)
	case errors.Is(err, rateio.ErrRateExceeded), errors.Is(err, errLineTooLong):
		logger.Warningf("[%s] Disconnecting: %v", addr, err)
	default:
		logger.Errorf("[%s] Read error: %v", addr, err)
	}

	m, rerr := s.clients.Remove(p.id)
	p.Close()
	if rerr != nil {
		return
	}
	s.metrics.setConnected(s.clients.Len())
	if m.Online {
		m.Online = false
		s.notifyDisconnect(m.Client)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isClosed matches the ways a peer or Stop ends a connection.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
