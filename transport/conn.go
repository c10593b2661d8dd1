// Package transport provides the byte stream to an IMAP server: a TCP, TLS or
// tunnel-command connection with line and exact-length reads, and an I/O
// deadline on every operation.
//
// All failures, including exceeded deadlines, are returned as errors matching
// ErrSocket.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/mjl-/imapmirror/mlog"
)

// ErrSocket is matched by all errors for failed connects, reads, writes and
// exceeded deadlines.
var ErrSocket = errors.New("socket error")

// ErrLineTooLong is returned when a line exceeds MaxLineLength.
var ErrLineTooLong = errors.New("line too long")

// MaxLineLength is the maximum length of a line read with ReadLine. Larger
// data must be sent as literal.
const MaxLineLength = 1024 * 1024

// DefaultTimeout is used for connections without explicit timeout.
const DefaultTimeout = 60 * time.Second

// Conn is a connection with deadline-enforcing read/write operations. It is not
// safe for concurrent use, callers serialize access. Only the interruption set
// up with Watch happens concurrently.
type Conn struct {
	conn    net.Conn
	raw     net.Conn              // Underlying conn, without TLS.
	cause   atomic.Pointer[error] // From context that interrupted the connection.
	br      *bufio.Reader
	tr      *traceReader
	tw      *traceWriter
	log     mlog.Log
	timeout time.Duration
	broken  bool
}

// New wraps conn. A timeout of zero means DefaultTimeout. Protocol traces are
// logged to log with prefixes "CR: " and "CW: ".
func New(conn net.Conn, log mlog.Log, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Conn{conn: conn, raw: conn, log: log, timeout: timeout}
	c.setup()
	return c
}

func (c *Conn) setup() {
	c.tr = newTraceReader(c.log, "CR: ", c.conn)
	c.br = bufio.NewReader(c.tr)
	c.tw = newTraceWriter(c.log, "CW: ", c.conn)
}

func socketErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSocket, op, err)
}

// failed marks the connection broken and returns the error for op. If the
// connection was interrupted by Watch, the error also matches the context
// error.
func (c *Conn) failed(op string, err error) error {
	c.broken = true
	if cause := c.cause.Load(); cause != nil {
		return fmt.Errorf("%w: %s: %w (%v)", ErrSocket, op, *cause, err)
	}
	return socketErr(op, err)
}

// Watch closes the connection when ctx is done, making a blocked read or write
// return immediately with an error matching both ErrSocket and the context
// error. The returned function stops watching, it returns false if the
// connection was already closed.
func (c *Conn) Watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		c.cause.Store(&cause)
		if err := c.raw.Close(); err != nil && !IsClosed(err) {
			c.log.Errorx("closing interrupted connection", err)
		}
		c.log.Debugx("connection interrupted", cause)
	})
}

func (c *Conn) readDeadline() error {
	if c.broken {
		return socketErr("read", net.ErrClosed)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return socketErr("set read deadline", err)
	}
	return nil
}

// ReadLine reads a line, returning it without the ending CRLF (or LF).
func (c *Conn) ReadLine() (string, error) {
	if err := c.readDeadline(); err != nil {
		return "", err
	}
	var line []byte
	for {
		buf, err := c.br.ReadSlice('\n')
		line = append(line, buf...)
		if err == nil {
			break
		} else if err == bufio.ErrBufferFull {
			if len(line) > MaxLineLength {
				c.broken = true
				return "", socketErr("read line", ErrLineTooLong)
			}
			continue
		}
		return "", c.failed("read line", err)
	}
	n := len(line) - 1
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return string(line[:n]), nil
}

// ReadExact reads exactly n bytes, used for literals. Data is traced at
// tracedata level.
func (c *Conn) ReadExact(n int64) ([]byte, error) {
	if err := c.readDeadline(); err != nil {
		return nil, err
	}
	c.tr.level = mlog.LevelTracedata
	defer func() {
		c.tr.level = mlog.LevelTrace
	}()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, c.failed("read literal", err)
	}
	return buf, nil
}

// WriteAll writes buf, traced at trace level.
func (c *Conn) WriteAll(buf []byte) error {
	return c.WriteTraced(mlog.LevelTrace, buf)
}

// WriteTraced writes buf with its trace at level. Credentials are written with
// level traceauth, message data with tracedata.
func (c *Conn) WriteTraced(level slog.Level, buf []byte) error {
	if c.broken {
		return socketErr("write", net.ErrClosed)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return socketErr("set write deadline", err)
	}
	c.tw.level = level
	defer func() {
		c.tw.level = mlog.LevelTrace
	}()
	if _, err := c.tw.Write(buf); err != nil {
		return c.failed("write", err)
	}
	return nil
}

// Peek returns whether the next byte to read is b, waiting at most the timeout.
func (c *Conn) Peek(b byte) (bool, error) {
	if err := c.readDeadline(); err != nil {
		return false, err
	}
	buf, err := c.br.Peek(1)
	if err != nil {
		return false, c.failed("peek", err)
	}
	return buf[0] == b, nil
}

// Broken returns whether an earlier operation failed, after which the
// connection cannot be used anymore.
func (c *Conn) Broken() bool {
	return c.broken
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.broken = true
	if err := c.conn.Close(); err != nil && !IsClosed(err) {
		return socketErr("close", err)
	}
	return nil
}

// UpgradeTLS starts a TLS client handshake on the connection, for STARTTLS.
// Data already buffered is passed to the TLS layer first.
func (c *Conn) UpgradeTLS(ctx context.Context, config *tls.Config) error {
	conn := c.conn
	if n := c.br.Buffered(); n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return socketErr("get buffered data", err)
		}
		conn = &prefixConn{buf, c.conn}
	}
	tlsConn := tls.Client(conn, config)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return c.failed("tls handshake", err)
	}
	c.conn = tlsConn
	c.setup()
	return nil
}

// TLSConnectionState returns the TLS connection state if the connection uses
// TLS, either from the start or after UpgradeTLS.
func (c *Conn) TLSConnectionState() *tls.ConnectionState {
	if conn, ok := c.conn.(*tls.Conn); ok {
		cs := conn.ConnectionState()
		return &cs
	}
	return nil
}
