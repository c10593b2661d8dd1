package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/mjl-/imapmirror/dns"
	"github.com/mjl-/imapmirror/mlog"
)

// Dialer is used to make TCP connections, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Opts are the parameters for Dial.
type Opts struct {
	Host      dns.Domain
	Port      int
	TLS       bool          // Immediate TLS. For STARTTLS, see Conn.UpgradeTLS.
	TLSConfig *tls.Config   // If nil, a config with ServerName set to Host is used.
	Timeout   time.Duration // For connecting and for each read/write.

	// If set, the connection is made by running this command through "sh -c",
	// with its stdin/stdout as the connection. Host/Port/TLS are not used.
	TunnelCommand string

	Resolver dns.Resolver // If nil, a StrictResolver is used.
	Dialer   Dialer       // If nil, a net.Dialer is used.
}

// TLSConfig returns the TLS config for connecting to the host in opts.
func (o Opts) tlsConfig() *tls.Config {
	if o.TLSConfig != nil {
		return o.TLSConfig
	}
	return &tls.Config{ServerName: o.Host.ASCII}
}

// Dial makes a connection to an IMAP server. Host name resolution runs in the
// background and is aborted when ctx is canceled.
func Dial(ctx context.Context, log mlog.Log, opts Opts) (*Conn, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if opts.TunnelCommand != "" {
		conn, err := dialCommand(log, opts.TunnelCommand)
		if err != nil {
			return nil, socketErr("tunnel command", err)
		}
		log.Debug("connected through tunnel command", slog.String("command", opts.TunnelCommand))
		return New(conn, log, timeout), nil
	}

	ips, err := resolve(ctx, log, opts)
	if err != nil {
		return nil, socketErr("resolve host", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: timeout}
	}
	var conn net.Conn
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(opts.Port))
		log.Debug("dialing host", slog.String("addr", addr))
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, lastErr = dialer.DialContext(dctx, "tcp", addr)
		cancel()
		if lastErr == nil {
			break
		}
		log.Debugx("dial failed", lastErr, slog.String("addr", addr))
	}
	if conn == nil {
		return nil, socketErr("dial", lastErr)
	}
	log.Debug("connected to host", slog.Any("host", opts.Host), slog.String("remote", conn.RemoteAddr().String()))

	if opts.TLS {
		tlsConn := tls.Client(conn, opts.tlsConfig())
		hctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			conn.Close()
			return nil, socketErr("tls handshake", err)
		}
		conn = tlsConn
	}
	return New(conn, log, timeout), nil
}

func resolve(ctx context.Context, log mlog.Log, opts Opts) ([]net.IP, error) {
	if ip := net.ParseIP(opts.Host.ASCII); ip != nil {
		return []net.IP{ip}, nil
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = dns.StrictResolver{Log: log.Logger}
	}
	task := dns.LookupAsync(ctx, log, resolver, opts.Host)
	select {
	case <-ctx.Done():
		task.Cancel()
		<-task.Done()
		return nil, ctx.Err()
	case <-task.Done():
	}
	addrs, err := task.Result()
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// cmdConn is a net.Conn on the stdin/stdout of a command.
type cmdConn struct {
	cmd *exec.Cmd
	r   *os.File // Stdout of command.
	w   *os.File // Stdin of command.
}

type cmdAddr string

func (a cmdAddr) Network() string { return "command" }
func (a cmdAddr) String() string  { return string(a) }

func dialCommand(log mlog.Log, command string) (net.Conn, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("pipe: %w", err)
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = mlog.ErrWriter(log, mlog.LevelInfo, "tunnel command stderr")
	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start: %w", err)
	}
	// Our copies of the command's ends.
	stdinR.Close()
	stdoutW.Close()
	return &cmdConn{cmd, stdoutR, stdinW}, nil
}

func (c *cmdConn) Read(buf []byte) (int, error)  { return c.r.Read(buf) }
func (c *cmdConn) Write(buf []byte) (int, error) { return c.w.Write(buf) }

func (c *cmdConn) Close() error {
	c.w.Close()
	c.r.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
	return nil
}

func (c *cmdConn) LocalAddr() net.Addr  { return cmdAddr("local") }
func (c *cmdConn) RemoteAddr() net.Addr { return cmdAddr(c.cmd.String()) }

func (c *cmdConn) SetDeadline(t time.Time) error {
	if err := c.r.SetDeadline(t); err != nil {
		return err
	}
	return c.w.SetDeadline(t)
}
func (c *cmdConn) SetReadDeadline(t time.Time) error  { return c.r.SetReadDeadline(t) }
func (c *cmdConn) SetWriteDeadline(t time.Time) error { return c.w.SetWriteDeadline(t) }
