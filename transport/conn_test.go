package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/imapmirror/dns"
	"github.com/mjl-/imapmirror/mlog"
)

var pkglog = mlog.New("transport", nil)

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

func TestReadLineExact(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := New(client, pkglog, time.Second)
	defer c.Close()

	go func() {
		// Literal data contains a line ending, which must not end the literal.
		server.Write([]byte("* 1 FETCH (BODY[] {7}\r\na\r\nb\r\nc)\r\nx001 OK done\n"))
	}()

	line, err := c.ReadLine()
	tcheckf(t, err, "read line")
	tcompare(t, line, "* 1 FETCH (BODY[] {7}")
	buf, err := c.ReadExact(7)
	tcheckf(t, err, "read exact")
	tcompare(t, string(buf), "a\r\nb\r\nc")
	line, err = c.ReadLine()
	tcheckf(t, err, "read line")
	tcompare(t, line, ")")
	line, err = c.ReadLine()
	tcheckf(t, err, "read line")
	tcompare(t, line, "x001 OK done")
}

func TestWatch(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := New(client, pkglog, 5*time.Second)
	defer c.Close()

	// Stopped watch does not interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	stop := c.Watch(ctx)
	tcompare(t, stop(), true)
	cancel()
	go server.Write([]byte("x001 OK done\r\n"))
	line, err := c.ReadLine()
	tcheckf(t, err, "read line")
	tcompare(t, line, "x001 OK done")

	// Cancellation interrupts a blocked read long before the timeout.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	c.Watch(ctx)
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = c.ReadLine()
	if !errors.Is(err, ErrSocket) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, expected socket error and context canceled", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("read returned after %s, expected prompt interruption", d)
	}
	tcompare(t, c.Broken(), true)
}

func TestDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := New(client, pkglog, 50*time.Millisecond)
	defer c.Close()

	_, err := c.ReadLine()
	if !errors.Is(err, ErrSocket) {
		t.Fatalf("got err %v, expected socket error", err)
	}
	if !c.Broken() {
		t.Fatalf("connection not marked broken after timeout")
	}
	// Further operations fail immediately.
	err = c.WriteAll([]byte("x002 NOOP\r\n"))
	if !errors.Is(err, ErrSocket) {
		t.Fatalf("got err %v, expected socket error", err)
	}
}

func fakeCert(t *testing.T) tls.Certificate {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tcheckf(t, err, "generate key")
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		DNSNames:     []string{"imap.example.org"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	localCertBuf, err := x509.CreateCertificate(rand.Reader, template, template, privKey.Public(), privKey)
	tcheckf(t, err, "making certificate")
	cert, err := x509.ParseCertificate(localCertBuf)
	tcheckf(t, err, "parsing generated certificate")
	return tls.Certificate{
		Certificate: [][]byte{localCertBuf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
}

func TestUpgradeTLS(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := New(client, pkglog, 5*time.Second)
	defer c.Close()

	cert := fakeCert(t)
	done := make(chan error, 1)
	go func() {
		server.Write([]byte("x001 OK begin tls\r\n"))
		tlsConn := tls.Server(server, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := tlsConn.Handshake(); err != nil {
			done <- err
			return
		}
		_, err := tlsConn.Write([]byte("* OK secure\r\n"))
		done <- err
	}()

	line, err := c.ReadLine()
	tcheckf(t, err, "read line")
	tcompare(t, line, "x001 OK begin tls")
	err = c.UpgradeTLS(context.Background(), &tls.Config{InsecureSkipVerify: true})
	tcheckf(t, err, "upgrade tls")
	if c.TLSConnectionState() == nil {
		t.Fatalf("no tls connection state after upgrade")
	}
	line, err = c.ReadLine()
	tcheckf(t, err, "read line over tls")
	tcompare(t, line, "* OK secure")
	tcheckf(t, <-done, "server")
}

type pipeDialer struct {
	addrs []string
	conn  net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.addrs = append(d.addrs, addr)
	if addr == "10.0.0.1:143" {
		return nil, errors.New("connection refused")
	}
	return d.conn, nil
}

func TestDial(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	resolver := dns.MockResolver{IPs: map[string][]string{"imap.example.org.": {"10.0.0.1", "10.0.0.2"}}}
	dialer := &pipeDialer{conn: client}
	c, err := Dial(context.Background(), pkglog, Opts{
		Host:     dns.Domain{ASCII: "imap.example.org"},
		Port:     143,
		Resolver: resolver,
		Dialer:   dialer,
	})
	tcheckf(t, err, "dial")
	defer c.Close()
	tcompare(t, dialer.addrs, []string{"10.0.0.1:143", "10.0.0.2:143"})

	// Canceled context aborts a slow lookup.
	resolver.Delay = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, pkglog, Opts{
		Host:     dns.Domain{ASCII: "imap.example.org"},
		Port:     143,
		Resolver: resolver,
		Dialer:   dialer,
	})
	if !errors.Is(err, ErrSocket) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got err %v, expected socket error with deadline exceeded", err)
	}
}

func TestTunnelCommand(t *testing.T) {
	c, err := Dial(context.Background(), pkglog, Opts{TunnelCommand: "cat", Timeout: 5 * time.Second})
	tcheckf(t, err, "dial tunnel command")
	defer c.Close()

	err = c.WriteAll([]byte("* OK echo\r\n"))
	tcheckf(t, err, "write")
	line, err := c.ReadLine()
	tcheckf(t, err, "read line")
	tcompare(t, line, "* OK echo")
}
