package scram

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
)

func base64Decode(s string) []byte {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic("bad base64")
	}
	return buf
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// Test vector from RFC 7677, SCRAM-SHA-256.
const (
	vecClientNonce = "rOprNGfwEbeRWgbNEkqO"
	vecServerFirst = "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"
	vecClientFinal = "c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ="
	vecServerFinal = "v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4="
)

func TestScramClient(t *testing.T) {
	c := NewClient(sha256.New, "user")
	c.clientNonce = vecClientNonce
	clientFirst, err := c.ClientFirst()
	tcheck(t, err, "client first")
	if clientFirst != "n,,n=user,r="+vecClientNonce {
		t.Fatalf("bad client first %q", clientFirst)
	}
	clientFinal, err := c.ServerFirst([]byte(vecServerFirst), "pencil")
	tcheck(t, err, "server first")
	if clientFinal != vecClientFinal {
		t.Fatalf("bad client final %q", clientFinal)
	}
	err = c.ServerFinal([]byte(vecServerFinal))
	tcheck(t, err, "server final")

	err = c.ServerFinal([]byte("v=AAAA"))
	if err == nil {
		t.Fatalf("bad server signature accepted")
	}
}

func TestScramServer(t *testing.T) {
	salt := base64Decode("W22ZaJ0SNY7soEsUEjb6gQ==")
	saltedPassword := SaltPassword(sha256.New, "pencil", salt, 4096)

	server, err := NewServer(sha256.New, []byte("n,,n=user,r="+vecClientNonce))
	tcheck(t, err, "newserver")
	if server.Authentication != "user" {
		t.Fatalf("got username %q", server.Authentication)
	}
	server.nonce = vecClientNonce + "%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0"
	if resp := server.ServerFirst(4096, salt); resp != vecServerFirst {
		t.Fatalf("bad server first %q", resp)
	}
	serverFinal, err := server.Finish([]byte(vecClientFinal), saltedPassword)
	tcheck(t, err, "finish")
	if serverFinal != vecServerFinal {
		t.Fatalf("bad server final %q", serverFinal)
	}

	// Wrong password.
	_, err = server.Finish([]byte(vecClientFinal), SaltPassword(sha256.New, "marker", salt, 4096))
	if !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("got %v, expected ErrInvalidProof", err)
	}
}

func TestScramUnsafe(t *testing.T) {
	c := NewClient(sha256.New, "user")
	c.clientNonce = vecClientNonce
	_, err := c.ClientFirst()
	tcheck(t, err, "client first")
	_, err = c.ServerFirst([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=1000"), "pencil")
	if !errors.Is(err, ErrUnsafe) {
		t.Fatalf("got %v, expected ErrUnsafe for too few iterations", err)
	}
	_, err = c.ServerFirst([]byte("r=other%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"), "pencil")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, expected ErrProtocol for dropped nonce", err)
	}
}

func TestScramRoundtrip(t *testing.T) {
	salt := MakeRandom()
	c := NewClient(sha256.New, "mjl,=")
	clientFirst, err := c.ClientFirst()
	tcheck(t, err, "client first")
	s, err := NewServer(sha256.New, []byte(clientFirst))
	tcheck(t, err, "new server")
	if s.Authentication != "mjl,=" {
		t.Fatalf("got username %q", s.Authentication)
	}
	clientFinal, err := c.ServerFirst([]byte(s.ServerFirst(4096, salt)), "test1234")
	tcheck(t, err, "server first")
	serverFinal, err := s.Finish([]byte(clientFinal), SaltPassword(sha256.New, "test1234", salt, 4096))
	tcheck(t, err, "finish")
	err = c.ServerFinal([]byte(serverFinal))
	tcheck(t, err, "server final")
}
