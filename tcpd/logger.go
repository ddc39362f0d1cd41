package tcpd

import (
	"io"
	stdlog "log"
)

var logger *stdlog.Logger

// SetLogger directs accept loop diagnostics to w. Output is discarded until
// it is called.
func SetLogger(w io.Writer) {
	logger = stdlog.New(w, "[tcpd] ", stdlog.Flags())
}

type nullWriter struct{}

func (nullWriter) Write(data []byte) (int, error) {
	return len(data), nil
}

func init() {
	SetLogger(nullWriter{})
}
