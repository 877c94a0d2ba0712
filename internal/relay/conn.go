package relay

import (
	"bytes"
	"io"
	"net"
)

type prefixedConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// WithPrefix returns conn with prefix replayed ahead of its remaining
// stream. Listeners use it for bytes read past the handshake frame.
func WithPrefix(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	buf := make([]byte, len(prefix))
	copy(buf, prefix)
	return &prefixedConn{
		Conn: conn,
		r:    io.MultiReader(bytes.NewReader(buf), conn),
	}
}
