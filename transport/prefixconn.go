package transport

import (
	"net"
)

// prefixConn is a net.Conn with a buffer from which the first reads are
// satisfied. Used for STARTTLS when the buffered reader already holds data
// that belongs to the TLS handshake.
type prefixConn struct {
	prefix []byte
	net.Conn
}

func (c *prefixConn) Read(buf []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := min(len(buf), len(c.prefix))
		copy(buf[:n], c.prefix[:n])
		c.prefix = c.prefix[n:]
		if len(c.prefix) == 0 {
			c.prefix = nil
		}
		return n, nil
	}
	return c.Conn.Read(buf)
}
