package tcpd

import (
	"net"
)

// keepAliveListener tunes TCP keepalive on every accepted connection. Tuning
// is best-effort: a platform that rejects it still gets the connection.
type keepAliveListener struct {
	*net.TCPListener
	config net.KeepAliveConfig
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err := conn.SetKeepAliveConfig(l.config); err != nil {
		logger.Printf("[%s] Keepalive tuning unavailable: %v", conn.RemoteAddr(), err)
	}
	return conn, nil
}
