// Package scram implements the SCRAM-SHA-* SASL authentication mechanism, RFC
// 7677 and RFC 5802, without channel binding.
//
// With SCRAM, a client authenticates with a password without handing the
// plaintext password to the server, and verifies the server knows (a
// derivative of) the password. The client side is used for logging in to IMAP
// servers. The server side is used by test servers.
package scram

import (
	"bytes"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrUnsafe       = errors.New("unsafe parameter") // E.g. salt, nonce too short, or too few iterations.
	ErrProtocol     = errors.New("protocol error")   // E.g. server responded with a nonce not prefixed by the client nonce.
	ErrInvalidProof = errors.New("invalid proof")
)

// MakeRandom returns a cryptographically random buffer for use as salt or as
// nonce.
func MakeRandom() []byte {
	buf := make([]byte, 12)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic("generate random")
	}
	return buf
}

// preparePassword prepares a password for hashing with the OpaqueString
// profile. If the password is not valid in that profile, it is only
// normalized.
func preparePassword(password string) string {
	if s, err := precis.OpaqueString.String(password); err == nil {
		return s
	}
	return norm.NFC.String(password)
}

// SaltPassword returns a salted password.
func SaltPassword(h func() hash.Hash, password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(preparePassword(password)), salt, iterations, h().Size(), h)
}

// hmac0 returns the hmac with key over msg.
func hmac0(h func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func xor(a, b []byte) {
	for i := range a {
		a[i] ^= b[i]
	}
}

// attrs parses a SCRAM message, a comma-separated list of "k=value" pairs.
func attrs(buf []byte) (map[byte]string, error) {
	m := map[byte]string{}
	for _, s := range strings.Split(string(buf), ",") {
		if len(s) < 2 || s[1] != '=' {
			return nil, fmt.Errorf("%w: malformed attribute %q", ErrProtocol, s)
		}
		m[s[0]] = s[2:]
	}
	return m, nil
}

// Convert "," to =2C and "=" to =3D.
func saslname(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	return strings.ReplaceAll(s, ",", "=2C")
}

func unsaslname(s string) string {
	s = strings.ReplaceAll(s, "=2C", ",")
	return strings.ReplaceAll(s, "=3D", "=")
}

// Client represents the client-side of a SCRAM-SHA-* authentication.
//
// The sequence for data and calls on a client:
//
//   - ClientFirst, write result to server.
//   - Read response from server, feed to ServerFirst, write response to server.
//   - Read response from server, feed to ServerFinal.
type Client struct {
	h     func() hash.Hash // sha1.New or sha256.New
	authc string

	clientNonce     string
	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
}

// NewClient returns a client for authentication as authc with hash h.
func NewClient(h func() hash.Hash, authc string) *Client {
	return &Client{h: h, authc: norm.NFC.String(authc)}
}

// ClientFirst returns the first client message to write to the server. A
// random nonce is generated.
func (c *Client) ClientFirst() (string, error) {
	if c.clientNonce == "" {
		c.clientNonce = base64.StdEncoding.EncodeToString(MakeRandom())
	}
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", saslname(c.authc), c.clientNonce)
	return "n,," + c.clientFirstBare, nil
}

// ServerFirst processes the first response message from the server. The
// nonce, salt and iterations are checked. If valid, the final client message
// with proof of knowledge of the password is returned.
func (c *Client) ServerFirst(serverFirst []byte, password string) (string, error) {
	if bytes.HasPrefix(serverFirst, []byte("m=")) {
		return "", fmt.Errorf("%w: unsupported mandatory extension", ErrProtocol)
	}
	m, err := attrs(serverFirst)
	if err != nil {
		return "", err
	}
	nonce := m['r']
	salt, err := base64.StdEncoding.DecodeString(m['s'])
	if err != nil {
		return "", fmt.Errorf("%w: parsing salt: %v", ErrProtocol, err)
	}
	iterations, err := strconv.Atoi(m['i'])
	if err != nil {
		return "", fmt.Errorf("%w: parsing iterations: %v", ErrProtocol, err)
	}

	if !strings.HasPrefix(nonce, c.clientNonce) {
		return "", fmt.Errorf("%w: server dropped our nonce", ErrProtocol)
	}
	if len(nonce)-len(c.clientNonce) < 8 {
		return "", fmt.Errorf("%w: server nonce too short", ErrUnsafe)
	}
	if len(salt) < 8 {
		return "", fmt.Errorf("%w: salt too short", ErrUnsafe)
	}
	if iterations < 2048 {
		return "", fmt.Errorf("%w: too few iterations", ErrUnsafe)
	}

	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString([]byte("n,,")), nonce)
	c.authMessage = c.clientFirstBare + "," + string(serverFirst) + "," + clientFinalWithoutProof

	c.saltedPassword = SaltPassword(c.h, password, salt, iterations)
	clientKey := hmac0(c.h, c.saltedPassword, "Client Key")
	h := c.h()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	clientProof := hmac0(c.h, storedKey, c.authMessage)
	xor(clientProof, clientKey)

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// ServerFinal processes the final message from the server, verifying that the
// server knows the password.
func (c *Client) ServerFinal(serverFinal []byte) error {
	m, err := attrs(serverFinal)
	if err != nil {
		return err
	}
	if e, ok := m['e']; ok {
		return fmt.Errorf("error from server: %s", e)
	}
	verifier, err := base64.StdEncoding.DecodeString(m['v'])
	if err != nil {
		return fmt.Errorf("%w: parsing verifier: %v", ErrProtocol, err)
	}
	serverKey := hmac0(c.h, c.saltedPassword, "Server Key")
	serverSig := hmac0(c.h, serverKey, c.authMessage)
	if !hmac.Equal(verifier, serverSig) {
		return fmt.Errorf("incorrect server signature")
	}
	return nil
}

// Server represents the server-side of a SCRAM-SHA-* authentication.
type Server struct {
	Authentication string // Username for authentication, "authc".

	h               func() hash.Hash
	clientFirstBare string
	serverFirst     string
	nonce           string
}

// NewServer parses the first message from a client.
func NewServer(h func() hash.Hash, clientFirst []byte) (*Server, error) {
	s := string(clientFirst)
	if !strings.HasPrefix(s, "n,") {
		return nil, fmt.Errorf("%w: channel binding not supported", ErrProtocol)
	}
	t := strings.SplitN(s, ",", 3)
	if len(t) != 3 {
		return nil, fmt.Errorf("%w: malformed client first message", ErrProtocol)
	}
	m, err := attrs([]byte(t[2]))
	if err != nil {
		return nil, err
	}
	if m['n'] == "" || m['r'] == "" {
		return nil, fmt.Errorf("%w: missing username or nonce", ErrProtocol)
	}
	return &Server{
		Authentication:  unsaslname(m['n']),
		h:               h,
		clientFirstBare: t[2],
		nonce:           m['r'] + base64.StdEncoding.EncodeToString(MakeRandom()),
	}, nil
}

// ServerFirst returns the message to send to the client.
func (s *Server) ServerFirst(iterations int, salt []byte) string {
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", s.nonce, base64.StdEncoding.EncodeToString(salt), iterations)
	return s.serverFirst
}

// Finish verifies the proof in the final client message against the salted
// password, and returns the final message for the client.
func (s *Server) Finish(clientFinal []byte, saltedPassword []byte) (string, error) {
	i := bytes.LastIndex(clientFinal, []byte(",p="))
	if i < 0 {
		return "", fmt.Errorf("%w: missing proof", ErrProtocol)
	}
	clientFinalWithoutProof := string(clientFinal[:i])
	proof, err := base64.StdEncoding.DecodeString(string(clientFinal[i+3:]))
	if err != nil {
		return "", fmt.Errorf("%w: parsing proof: %v", ErrProtocol, err)
	}
	m, err := attrs([]byte(clientFinalWithoutProof))
	if err != nil {
		return "", err
	}
	if m['r'] != s.nonce {
		return "", fmt.Errorf("%w: nonce mismatch", ErrProtocol)
	}

	authMsg := s.clientFirstBare + "," + s.serverFirst + "," + clientFinalWithoutProof
	clientKey := hmac0(s.h, saltedPassword, "Client Key")
	h := s.h()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	clientSig := hmac0(s.h, storedKey, authMsg)
	xor(clientSig, clientKey)
	if !hmac.Equal(clientSig, proof) {
		return "e=invalid-proof", ErrInvalidProof
	}

	serverKey := hmac0(s.h, saltedPassword, "Server Key")
	serverSig := hmac0(s.h, serverKey, authMsg)
	return "v=" + base64.StdEncoding.EncodeToString(serverSig), nil
}
