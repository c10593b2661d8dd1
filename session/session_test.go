package session

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mjl-/imapmirror/dns"
	"github.com/mjl-/imapmirror/imapfake"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/transport"
)

var ctxbg = context.Background()
var pkglog = mlog.New("session", nil)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func terr(t *testing.T, err, exp error) {
	t.Helper()
	if !errors.Is(err, exp) {
		t.Fatalf("got err %v, expected %v", err, exp)
	}
}

func fakeCert(t *testing.T) tls.Certificate {
	seed := make([]byte, ed25519.SeedSize)
	privKey := ed25519.NewKeyFromSeed(seed) // Fake key, don't use this for real!
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	localCertBuf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	tcheckf(t, err, "making certificate")
	cert, err := x509.ParseCertificate(localCertBuf)
	tcheckf(t, err, "parsing generated certificate")
	return tls.Certificate{Certificate: [][]byte{localCertBuf}, PrivateKey: privKey, Leaf: cert}
}

func config(srv *imapfake.Server) Config {
	return Config{
		Account:           "test",
		Host:              dns.Domain{ASCII: "127.0.0.1"},
		Security:          SecurityNone,
		Username:          srv.Username,
		Password:          srv.Password,
		Timeout:           5 * time.Second,
		KeepaliveInterval: -1,
		ReconnectBackoff:  -1,
		Dialer:            srv,
	}
}

// locked returns a context holding the session lock, released at cleanup.
func locked(t *testing.T, s *Session) context.Context {
	ctx, release, err := s.Acquire(ctxbg)
	tcheckf(t, err, "acquire")
	t.Cleanup(release)
	return ctx
}

func TestSelect(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	srv.Append("INBOX", nil, []byte("test\r\n"))
	srv.AddMailbox("Archive")

	s := New(pkglog, config(srv))
	defer s.Close()
	ctx := locked(t, s)

	tcompare(t, s.State(), Disconnected)
	_, err := s.Conn(ctx)
	tcheckf(t, err, "conn")
	tcompare(t, s.State(), Authenticated)
	tcompare(t, srv.Count("login"), 1)

	selected, err := s.Select(ctx, "INBOX", false)
	tcheckf(t, err, "select")
	tcompare(t, selected, true)
	tcompare(t, s.State(), Selected)
	tcompare(t, s.Selected(), "INBOX")
	mb := s.Mailbox()
	tcompare(t, mb.Exists, uint32(1))
	tcompare(t, mb.UIDValidity, srv.UIDValidity("INBOX"))
	tcompare(t, mb.UIDNext, uint32(2))

	// Selecting again is a no-op.
	selected, err = s.Select(ctx, "INBOX", false)
	tcheckf(t, err, "select")
	tcompare(t, selected, false)
	tcompare(t, srv.Count("select"), 1)

	// Read-only needs EXAMINE.
	selected, err = s.Select(ctx, "INBOX", true)
	tcheckf(t, err, "examine")
	tcompare(t, selected, true)
	tcompare(t, srv.Count("examine"), 1)

	_, err = s.Select(ctx, "Archive", false)
	tcheckf(t, err, "select")
	tcompare(t, s.Mailbox().Exists, uint32(0))

	// Selecting an absent mailbox fails, leaving the session authenticated.
	_, err = s.Select(ctx, "Bogus", false)
	if err == nil {
		t.Fatalf("select of absent mailbox succeeded")
	}
	tcompare(t, s.State(), Authenticated)
	tcompare(t, s.Selected(), "")
}

func TestAcquire(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	s := New(pkglog, config(srv))

	ctx, release, err := s.Acquire(ctxbg)
	tcheckf(t, err, "acquire")

	_, _, err = s.Acquire(ctxbg)
	terr(t, err, ErrBusy)

	// Context holding the lock can be used for nested operations.
	_, nrelease, err := s.Acquire(ctx)
	tcheckf(t, err, "nested acquire")
	nrelease()
	_, _, err = s.Acquire(ctxbg)
	terr(t, err, ErrBusy)

	release()
	_, release, err = s.Acquire(ctxbg)
	tcheckf(t, err, "acquire after release")
	release()
}

func TestAuthMechanisms(t *testing.T) {
	test := func(mechs []string, loginDisabled bool, method AuthMethod, expCmd string, expErr error) {
		t.Helper()
		srv := imapfake.NewServer("mjl", "test1234")
		defer srv.Close()
		srv.AuthMechanisms = mechs
		srv.LoginDisabled = loginDisabled

		cfg := config(srv)
		cfg.Auth = method
		s := New(pkglog, cfg)
		defer s.Close()
		ctx := locked(t, s)
		_, err := s.Conn(ctx)
		if expErr != nil {
			terr(t, err, expErr)
			return
		}
		tcheckf(t, err, "conn")
		tcompare(t, srv.Count(expCmd), 1)
	}

	test(nil, false, AuthAuto, "login", nil)
	test([]string{"PLAIN", "CRAM-MD5"}, false, AuthAuto, "authenticate", nil)
	test([]string{"PLAIN"}, true, AuthAuto, "authenticate", nil)
	test([]string{"CRAM-MD5"}, false, AuthLogin, "login", nil)
	test([]string{"CRAM-MD5"}, false, AuthCRAMMD5, "authenticate", nil)
	test(nil, true, AuthAuto, "", ErrAuth)
	test([]string{"PLAIN"}, false, AuthCRAMMD5, "", ErrAuth)
}

func TestAuthFailureBackoff(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	srv.AuthMechanisms = []string{"CRAM-MD5"}

	cfg := config(srv)
	cfg.Password = "wrong"
	cfg.ReconnectBackoff = time.Hour
	s := New(pkglog, cfg)
	defer s.Close()
	ctx := locked(t, s)

	_, err := s.Conn(ctx)
	terr(t, err, ErrAuth)
	tcompare(t, s.State(), Disconnected)
	tcompare(t, srv.Count("authenticate"), 1)

	// Within backoff period, no new attempt is made.
	_, err = s.Conn(ctx)
	terr(t, err, transport.ErrSocket)
	tcompare(t, srv.Count("authenticate"), 1)

	// Without backoff, a new attempt is made immediately.
	s.cfg.ReconnectBackoff = -1
	_, err = s.Conn(ctx)
	terr(t, err, ErrAuth)
	tcompare(t, srv.Count("authenticate"), 2)
}

func TestKeepaliveReconnect(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()

	cfg := config(srv)
	cfg.KeepaliveInterval = time.Nanosecond
	s := New(pkglog, cfg)
	defer s.Close()
	ctx := locked(t, s)

	_, err := s.Conn(ctx)
	tcheckf(t, err, "conn")
	tcompare(t, srv.Count("noop"), 0)

	// Idle connection gets a NOOP before the next command.
	_, err = s.Select(ctx, "INBOX", false)
	tcheckf(t, err, "select")
	tcompare(t, srv.Count("noop"), 1)
	_, err = s.Conn(ctx)
	tcheckf(t, err, "conn")
	tcompare(t, srv.Count("noop"), 2)
	tcompare(t, s.Selected(), "INBOX")

	// Failing NOOP results in a single new connection.
	srv.DropConnections()
	_, err = s.Conn(ctx)
	tcheckf(t, err, "conn after dropped connection")
	tcompare(t, srv.Count("login"), 2)
	tcompare(t, s.Selected(), "")
}

func TestRefresh(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	srv.Append("INBOX", nil, []byte("test\r\n"))

	s := New(pkglog, config(srv))
	defer s.Close()
	ctx := locked(t, s)

	_, err := s.Select(ctx, "INBOX", false)
	tcheckf(t, err, "select")
	tcompare(t, s.ContentChanged(), false)

	// New message is noticed with the NOOP.
	srv.Append("INBOX", nil, []byte("test2\r\n"))
	err = s.Refresh(ctx)
	tcheckf(t, err, "refresh")
	tcompare(t, s.ContentChanged(), true)
	tcompare(t, s.Mailbox().Exists, uint32(2))
	s.ClearContentChanged()

	// Recreated mailbox makes the server close the connection, refresh
	// reconnects once, without mailbox selected.
	srv.ResetMailbox("INBOX", 99)
	err = s.Refresh(ctx)
	tcheckf(t, err, "refresh")
	tcompare(t, s.State(), Authenticated)
	tcompare(t, srv.Count("login"), 2)

	selected, err := s.Select(ctx, "INBOX", false)
	tcheckf(t, err, "select")
	tcompare(t, selected, true)
	tcompare(t, s.Mailbox().UIDValidity, uint32(99))
	tcompare(t, s.Mailbox().Exists, uint32(0))
}

func TestPreauth(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	srv.Preauth = true

	s := New(pkglog, config(srv))
	defer s.Close()
	ctx := locked(t, s)
	_, err := s.Conn(ctx)
	tcheckf(t, err, "conn")
	tcompare(t, s.State(), Authenticated)
	tcompare(t, srv.Count("login"), 0)
	tcompare(t, srv.Count("authenticate"), 0)
}

func TestStartTLS(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{fakeCert(t)}}
	srv.LoginDisabled = true
	srv.AuthMechanisms = []string{"PLAIN"}

	cfg := config(srv)
	cfg.Security = SecurityStartTLS
	cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	s := New(pkglog, cfg)
	defer s.Close()
	ctx := locked(t, s)

	c, err := s.Conn(ctx)
	tcheckf(t, err, "conn")
	if c.TLSConnectionState() == nil {
		t.Fatalf("connection not tls after starttls")
	}
	tcompare(t, srv.Count("starttls"), 1)
	tcompare(t, srv.Count("capability") >= 1, true)
	tcompare(t, srv.Count("authenticate"), 1)

	// Server without STARTTLS fails the connection.
	srv2 := imapfake.NewServer("mjl", "test1234")
	defer srv2.Close()
	cfg = config(srv2)
	cfg.Security = SecurityStartTLS
	s2 := New(pkglog, cfg)
	defer s2.Close()
	ctx2 := locked(t, s2)
	_, err = s2.Conn(ctx2)
	if err == nil {
		t.Fatalf("connection without starttls support succeeded")
	}
	tcompare(t, srv2.Count("login"), 0)
}

func TestNamespaces(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	srv.Namespace = `(("" "/")) NIL (("#shared/" "."))`

	s := New(pkglog, config(srv))
	defer s.Close()
	ctx := locked(t, s)

	ns, err := s.Namespaces(ctx)
	tcheckf(t, err, "namespaces")
	tcompare(t, ns.Separator("#shared/a/b"), byte('.'))
	_, err = s.Namespaces(ctx)
	tcheckf(t, err, "namespaces")
	tcompare(t, srv.Count("namespace"), 1)
}
