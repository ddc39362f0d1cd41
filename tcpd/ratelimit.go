package tcpd

import (
	"io"
	"net"

	"github.com/shazow/rateio"
)

// limitedConn charges every read to a limiter; writes go straight through.
type limitedConn struct {
	net.Conn
	io.Reader
}

func (r *limitedConn) Read(p []byte) (n int, err error) {
	return r.Reader.Read(p)
}

// ReadLimitConn returns a net.Conn whose reads are counted in bytes against
// limiter. Once a client goes over, Read returns the bytes it got together
// with rateio.ErrRateExceeded, and the relay drops that client alone.
func ReadLimitConn(conn net.Conn, limiter rateio.Limiter) net.Conn {
	return &limitedConn{
		Conn:   conn,
		Reader: rateio.NewReader(conn, limiter),
	}
}
