package pdu

import (
	"net"
	"time"
)

// deadlineConn refreshes the deadline before every read and write so that
// long associations only time out when idle.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

// WithIdleTimeouts wraps conn so each Read and Write gets a fresh deadline.
// A zero duration leaves that direction without a deadline.
func WithIdleTimeouts(conn net.Conn, read, write time.Duration) net.Conn {
	if read <= 0 && write <= 0 {
		return conn
	}
	return &deadlineConn{Conn: conn, read: read, write: write}
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
