// Package session manages the connection to an IMAP server for an account:
// connecting, TLS, authentication, mailbox selection, keepalive and
// reconnecting after failures.
//
// A session holds at most one connection. Only one operation at a time may use
// it, enforced with a lock that is only tried, never waited for.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mjl-/imapmirror/dns"
	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/metrics"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/namespace"
	"github.com/mjl-/imapmirror/sasl"
	"github.com/mjl-/imapmirror/transport"
)

var (
	// ErrAuth is returned when the server rejects the credentials, or no usable
	// authentication mechanism is available.
	ErrAuth = errors.New("authentication failed")

	// ErrBusy is returned when another operation is using the session. The
	// operation can be retried later.
	ErrBusy = errors.New("session busy")
)

// Security is how the connection is protected with TLS.
type Security string

const (
	SecurityTLS      Security = "tls"      // TLS immediately after connecting.
	SecurityStartTLS Security = "starttls" // Plain text connection upgraded with STARTTLS.
	SecurityNone     Security = "none"
)

// AuthMethod is the authentication method to use. AuthAuto tries the
// mechanisms announced by the server, strongest first.
type AuthMethod string

const (
	AuthAuto        AuthMethod = "auto"
	AuthLogin       AuthMethod = "login" // LOGIN command.
	AuthPlain       AuthMethod = "plain"
	AuthCRAMMD5     AuthMethod = "cram-md5"
	AuthSCRAMSHA1   AuthMethod = "scram-sha-1"
	AuthSCRAMSHA256 AuthMethod = "scram-sha-256"
)

// Default values for Config fields that are zero.
const (
	DefaultTimeout          = 60 * time.Second
	DefaultKeepalive        = 60 * time.Second
	DefaultReconnectBackoff = 2 * time.Second
)

// Config holds the parameters for connecting.
type Config struct {
	Account string // For logging.

	Host          dns.Domain
	Port          int
	Security      Security
	TLSConfig     *tls.Config
	TunnelCommand string // If set, Host, Port and Security are not used.

	Username string
	Password string
	Auth     AuthMethod

	Timeout time.Duration // For connecting and each read/write.

	// Maximum size of literals from the server. Zero means
	// imapclient.DefaultMaxLiteralSize.
	MaxLiteralSize int64

	// Idle time after which a NOOP is sent before the next command, to verify the
	// connection is still alive. Negative disables the check.
	KeepaliveInterval time.Duration

	// No new connection is attempted within this time after a failed connection
	// or authentication attempt. Negative disables.
	ReconnectBackoff time.Duration

	Resolver dns.Resolver     // Optional.
	Dialer   transport.Dialer // Optional.
}

// State of the session.
type State int

const (
	Disconnected State = iota
	Greeted
	Authenticated
	Selected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Greeted:
		return "greeted"
	case Authenticated:
		return "authenticated"
	case Selected:
		return "selected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is a lazily established connection to an IMAP server.
type Session struct {
	cfg  Config
	log  mlog.Log
	lock *semaphore.Weighted

	// Fields below may only be used while holding the lock.
	conn       *imapclient.Conn
	state      State
	selected   string // Server mailbox name.
	readOnly   bool
	mailbox    imapclient.Mailbox // From last SELECT/EXAMINE.
	namespaces *namespace.Namespaces
	lastAccess time.Time
	lastFail   time.Time
	connects   int // Successful connections, for detecting reconnects.

	// Stops closing the connection on cancellation of the context of the
	// current operation.
	stopWatch func() bool
}

// New returns a session for cfg. No connection is made until needed.
func New(log mlog.Log, cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepalive
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	if cfg.Auth == "" {
		cfg.Auth = AuthAuto
	}
	if cfg.Port == 0 {
		if cfg.Security == SecurityTLS {
			cfg.Port = 993
		} else {
			cfg.Port = 143
		}
	}
	log = log.WithPkg("session").With(slog.String("account", cfg.Account))
	return &Session{cfg: cfg, log: log, lock: semaphore.NewWeighted(1)}
}

type lockKey struct{}

// Acquire tries to take the session lock, without waiting. If ctx already
// carries the lock of this session, it is returned as is, with a no-op
// release. Otherwise, on success, the returned context carries the lock, and
// release must be called when done. If the lock is held by another operation,
// ErrBusy is returned.
func (s *Session) Acquire(ctx context.Context) (context.Context, func(), error) {
	if v, _ := ctx.Value(lockKey{}).(*Session); v == s {
		return ctx, func() {}, nil
	}
	if !s.lock.TryAcquire(1) {
		metrics.LockContentionInc()
		s.log.Warn("session busy, rejecting operation")
		return nil, nil, ErrBusy
	}
	release := func() {
		s.unwatch()
		s.lock.Release(1)
	}
	return context.WithValue(ctx, lockKey{}, s), release, nil
}

// watch makes cancellation of ctx close the connection, so a blocked command
// returns immediately. The first context of an operation is watched, until the
// lock is released or the connection destroyed.
func (s *Session) watch(ctx context.Context) {
	if s.conn == nil || s.stopWatch != nil {
		return
	}
	s.stopWatch = s.conn.Watch(ctx)
}

func (s *Session) unwatch() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.stopWatch = nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Selected returns the selected mailbox, empty if none.
func (s *Session) Selected() string {
	if s.state != Selected {
		return ""
	}
	return s.selected
}

// Mailbox returns the mailbox information of the last SELECT/EXAMINE. Exists is
// kept current with untagged EXISTS/EXPUNGE responses.
func (s *Session) Mailbox() imapclient.Mailbox {
	mb := s.mailbox
	if s.conn != nil {
		mb.Exists = s.conn.Exists
	}
	return mb
}

// ContentChanged returns whether an EXISTS or EXPUNGE was received since the
// mailbox was selected or ClearContentChanged was called.
func (s *Session) ContentChanged() bool {
	return s.conn != nil && s.conn.ContentChanged
}

// ClearContentChanged resets the content changed flag.
func (s *Session) ClearContentChanged() {
	if s.conn != nil {
		s.conn.ContentChanged = false
	}
}

// SetContentChanged marks the selected mailbox as changed, e.g. after removing
// messages.
func (s *Session) SetContentChanged() {
	if s.conn != nil {
		s.conn.ContentChanged = true
	}
}

// Failed inspects an error from a command on the connection. For connection
// and protocol errors the session is destroyed, so the next operation makes a
// new connection. The error is returned unchanged.
func (s *Session) Failed(err error) error {
	if err != nil && (errors.Is(err, transport.ErrSocket) || errors.Is(err, imapclient.ErrProtocol)) {
		s.log.Infox("connection failed, closing session", err)
		s.destroy()
	}
	return err
}

// destroy closes the connection and forgets all connection state.
func (s *Session) destroy() {
	s.unwatch()
	if s.conn != nil {
		err := s.conn.Close()
		s.log.Check(err, "closing connection")
	}
	s.conn = nil
	s.state = Disconnected
	s.selected = ""
	s.mailbox = imapclient.Mailbox{}
	s.namespaces = nil
}

// Conn returns an authenticated connection, connecting if needed. If the
// connection was idle longer than the keepalive interval, a NOOP is sent
// first. If that fails, the session is destroyed and a single new connection
// attempt is made.
func (s *Session) Conn(ctx context.Context) (*imapclient.Conn, error) {
	if s.conn != nil && s.conn.Broken() {
		s.log.Debug("connection broken, closing session")
		s.destroy()
	}
	if s.conn == nil || s.state < Authenticated {
		return s.connect(ctx)
	}
	s.watch(ctx)
	if s.cfg.KeepaliveInterval > 0 && time.Since(s.lastAccess) >= s.cfg.KeepaliveInterval {
		if _, err := s.conn.Noop(); err != nil {
			s.log.Infox("keepalive failed, reconnecting", err)
			s.destroy()
			return s.connect(ctx)
		}
	}
	s.lastAccess = time.Now()
	return s.conn, nil
}

// Refresh sends a NOOP to receive pending EXISTS/EXPUNGE responses for the
// selected mailbox. If the connection is dead, the session is destroyed and a
// single new connection is made, which has no mailbox selected.
func (s *Session) Refresh(ctx context.Context) error {
	connects := s.connects
	c, err := s.Conn(ctx)
	if err != nil {
		return err
	} else if s.connects != connects {
		// Fresh connection, nothing pending.
		return nil
	}
	if _, err := c.Noop(); err != nil {
		if !errors.Is(err, transport.ErrSocket) && !errors.Is(err, imapclient.ErrProtocol) {
			return err
		}
		s.log.Infox("noop failed, reconnecting", err)
		s.destroy()
		_, err = s.connect(ctx)
		return err
	}
	s.lastAccess = time.Now()
	return nil
}

// connect makes a new connection and authenticates. No retries are done.
func (s *Session) connect(ctx context.Context) (rconn *imapclient.Conn, rerr error) {
	if s.cfg.ReconnectBackoff > 0 && !s.lastFail.IsZero() && time.Since(s.lastFail) < s.cfg.ReconnectBackoff {
		return nil, fmt.Errorf("%w: not reconnecting within %s of failed attempt", transport.ErrSocket, s.cfg.ReconnectBackoff)
	}

	defer func() {
		if rerr != nil {
			s.lastFail = time.Now()
			s.destroy()
		}
	}()

	opts := transport.Opts{
		Host:          s.cfg.Host,
		Port:          s.cfg.Port,
		TLS:           s.cfg.Security == SecurityTLS,
		TLSConfig:     s.tlsConfig(),
		Timeout:       s.cfg.Timeout,
		TunnelCommand: s.cfg.TunnelCommand,
		Resolver:      s.cfg.Resolver,
		Dialer:        s.cfg.Dialer,
	}
	tc, err := transport.Dial(ctx, s.log, opts)
	if err != nil {
		s.log.Infox("connecting to server", err, slog.Any("host", s.cfg.Host), slog.Int("port", s.cfg.Port))
		return nil, err
	}
	// Greeting and authentication are interrupted by cancellation too.
	defer tc.Watch(ctx)()
	c, err := imapclient.New(tc, &imapclient.Opts{Logger: s.log.Logger, MaxLiteralSize: s.cfg.MaxLiteralSize})
	if err != nil {
		tc.Close()
		s.log.Infox("reading greeting", err)
		return nil, err
	}
	s.conn = c
	s.state = Greeted

	if len(c.CapAvailable) == 0 {
		if _, err := c.Capability(); err != nil {
			return nil, fmt.Errorf("requesting capabilities: %w", err)
		}
	}

	if s.cfg.Security == SecurityStartTLS && s.cfg.TunnelCommand == "" && !c.Preauth {
		if !c.HasCap(imapclient.CapStartTLS) {
			return nil, fmt.Errorf("%w: server does not announce starttls", imapclient.ErrRejected)
		}
		if _, err := c.StartTLS(ctx, s.tlsConfig()); err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
		if _, err := c.Capability(); err != nil {
			return nil, fmt.Errorf("requesting capabilities after starttls: %w", err)
		}
	}

	if c.Preauth {
		metrics.AuthenticationInc("preauth", "ok")
		s.log.Debug("connection is preauthenticated")
	} else if err := s.authenticate(c); err != nil {
		s.log.Infox("authentication failed", err, slog.String("username", s.cfg.Username))
		return nil, err
	}
	s.state = Authenticated
	s.lastAccess = time.Now()
	s.lastFail = time.Time{}
	s.connects++
	s.watch(ctx)
	s.log.Debug("session established")
	return c, nil
}

func (s *Session) tlsConfig() *tls.Config {
	if s.cfg.TLSConfig != nil {
		return s.cfg.TLSConfig
	}
	return &tls.Config{ServerName: s.cfg.Host.ASCII}
}

// authOrder is the order in which mechanisms are tried for AuthAuto.
var authOrder = []AuthMethod{AuthSCRAMSHA256, AuthSCRAMSHA1, AuthCRAMMD5, AuthPlain, AuthLogin}

func (s *Session) authenticate(c *imapclient.Conn) error {
	method := s.cfg.Auth
	if method == AuthAuto {
		method = ""
		for _, m := range authOrder {
			if s.usable(c, m) {
				method = m
				break
			}
		}
		if method == "" {
			return fmt.Errorf("%w: no usable authentication mechanism", ErrAuth)
		}
	} else if !s.usable(c, method) {
		return fmt.Errorf("%w: authentication method %s not available", ErrAuth, method)
	}
	s.log.Debug("authenticating", slog.String("method", string(method)))

	var err error
	switch method {
	case AuthLogin:
		_, err = c.Login(s.cfg.Username, s.cfg.Password)
		result := "ok"
		if err != nil {
			result = "badcreds"
		}
		metrics.AuthenticationInc("login", result)
	case AuthPlain:
		_, err = c.Authenticate(sasl.NewClientPlain(s.cfg.Username, s.cfg.Password))
	case AuthCRAMMD5:
		_, err = c.Authenticate(sasl.NewClientCRAMMD5(s.cfg.Username, s.cfg.Password))
	case AuthSCRAMSHA1:
		_, err = c.Authenticate(sasl.NewClientSCRAMSHA1(s.cfg.Username, s.cfg.Password))
	case AuthSCRAMSHA256:
		_, err = c.Authenticate(sasl.NewClientSCRAMSHA256(s.cfg.Username, s.cfg.Password))
	default:
		return fmt.Errorf("%w: unknown authentication method %q", ErrAuth, method)
	}
	if err != nil && (errors.Is(err, imapclient.ErrRejected) || errors.Is(err, imapclient.ErrSyntax)) {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return err
}

// usable returns whether the server allows authentication with method.
func (s *Session) usable(c *imapclient.Conn, method AuthMethod) bool {
	switch method {
	case AuthLogin:
		return !c.HasCap(imapclient.CapLoginDisabled)
	case AuthPlain:
		return c.HasCap(imapclient.CapAuthPlain)
	case AuthCRAMMD5:
		return c.HasCap(imapclient.CapAuthCRAMMD5)
	case AuthSCRAMSHA1:
		return c.HasCap(imapclient.CapAuthSCRAMSHA1)
	case AuthSCRAMSHA256:
		return c.HasCap(imapclient.CapAuthSCRAMSHA256)
	}
	return false
}

// Select makes mailbox the selected mailbox, with EXAMINE if readOnly. If it
// is already selected in the same mode, no command is sent and false is
// returned.
func (s *Session) Select(ctx context.Context, mailbox string, readOnly bool) (bool, error) {
	c, err := s.Conn(ctx)
	if err != nil {
		return false, err
	}
	if s.state == Selected && s.selected == mailbox && s.readOnly == readOnly {
		return false, nil
	}

	var resp imapclient.Response
	if readOnly {
		resp, err = c.Examine(mailbox)
	} else {
		resp, err = c.Select(mailbox)
	}
	if err != nil {
		s.state = Authenticated
		s.selected = ""
		s.mailbox = imapclient.Mailbox{}
		return false, s.Failed(err)
	}
	s.state = Selected
	s.selected = mailbox
	s.readOnly = readOnly
	s.mailbox = imapclient.MailboxInfo(resp)
	c.ContentChanged = false
	s.log.Debug("mailbox selected",
		slog.String("mailbox", mailbox),
		slog.Any("exists", c.Exists),
		slog.Any("uidvalidity", s.mailbox.UIDValidity),
		slog.Any("uidnext", s.mailbox.UIDNext))
	return true, nil
}

// Deselect forgets the selected mailbox, e.g. after it was deleted. The next
// Select sends a SELECT command.
func (s *Session) Deselect() {
	if s.state == Selected {
		s.state = Authenticated
	}
	s.selected = ""
}

// Namespaces returns the namespaces of the server, discovering them once per
// connection.
func (s *Session) Namespaces(ctx context.Context) (namespace.Namespaces, error) {
	c, err := s.Conn(ctx)
	if err != nil {
		return namespace.Namespaces{}, err
	}
	if s.namespaces != nil {
		return *s.namespaces, nil
	}
	ns, err := namespace.Discover(s.log, c)
	if err != nil {
		return namespace.Namespaces{}, s.Failed(err)
	}
	s.namespaces = &ns
	return ns, nil
}

// Close logs out and closes the connection, if any. Logout errors are ignored.
func (s *Session) Close() {
	if s.conn != nil && !s.conn.Broken() {
		_, err := s.conn.Logout()
		s.log.Check(err, "logout")
	}
	s.destroy()
}
