// Package imapfake is an in-process IMAP server for tests.
//
// It implements the subset of IMAP4rev1 that the client packages use, with
// mailboxes holding messages with UIDs and flags, UIDPLUS response codes,
// NAMESPACE, literals (synchronizing and non-synchronizing), LOGIN and
// AUTHENTICATE PLAIN/CRAM-MD5. Capabilities can be toggled per server. The
// number of times each command was executed is kept, so tests can verify which
// commands a client sent.
//
// Connections are typically made with DialContext, which uses net.Pipe.
package imapfake

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/sasl"
)

// Message is a message in a mailbox.
type Message struct {
	UID   uint32
	Flags []string
	Data  []byte
}

func (m *Message) has(flag string) bool {
	return slices.IndexFunc(m.Flags, func(f string) bool { return strings.EqualFold(f, flag) }) >= 0
}

func (m *Message) add(flags []string) {
	for _, f := range flags {
		if !m.has(f) {
			m.Flags = append(m.Flags, f)
		}
	}
}

func (m *Message) remove(flags []string) {
	m.Flags = slices.DeleteFunc(m.Flags, func(f string) bool {
		return slices.IndexFunc(flags, func(x string) bool { return strings.EqualFold(f, x) }) >= 0
	})
}

type mailbox struct {
	name        string
	uidValidity uint32
	uidNext     uint32
	messages    []*Message // Ascending by UID.
}

func (mb *mailbox) uids() []uint32 {
	l := make([]uint32, len(mb.messages))
	for i, m := range mb.messages {
		l[i] = m.UID
	}
	return l
}

func (mb *mailbox) maxUID() uint32 {
	if len(mb.messages) == 0 {
		return 0
	}
	return mb.messages[len(mb.messages)-1].UID
}

func (mb *mailbox) append(flags []string, data []byte) *Message {
	m := &Message{UID: mb.uidNext, Data: data}
	m.add(flags)
	mb.uidNext++
	mb.messages = append(mb.messages, m)
	return m
}

func (mb *mailbox) unseen() int {
	var n int
	for _, m := range mb.messages {
		if !m.has(`\Seen`) {
			n++
		}
	}
	return n
}

// Server holds the mailboxes and settings. Fields must be set before the first
// connection is made.
type Server struct {
	Username string
	Password string

	Separator byte // Hierarchy separator, default '/'.

	// Namespace response sent as is, e.g. `(("" "/")) NIL (("#shared/" "."))`. If
	// empty, NAMESPACE is not announced and not implemented.
	Namespace string

	Preauth        bool     // Greet with PREAUTH.
	LoginDisabled  bool     // Announce LOGINDISABLED and refuse LOGIN.
	AuthMechanisms []string // E.g. PLAIN, CRAM-MD5. Announced as AUTH=...
	SASLIR         bool
	LiteralPlus    bool
	NoUIDPlus      bool // Do not announce UIDPLUS, no APPENDUID/COPYUID, no UID EXPUNGE.
	NoSearch       bool // Respond BAD to UID SEARCH.

	// If > 0, UID STORE with a longer set is refused with NO.
	MaxStoreSetLength int

	// If set, STARTTLS is announced and implemented.
	TLSConfig *tls.Config

	mu            sync.Mutex
	mailboxes     map[string]*mailbox
	nextValidity  uint32
	counts        map[string]int
	gates         map[string]*gate
	conns         map[*conn]struct{}
	wg            sync.WaitGroup
	cramChallenge int
}

type gate struct {
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
}

// NewServer returns a server with an INBOX for username/password.
func NewServer(username, password string) *Server {
	s := &Server{Username: username, Password: password}
	s.AddMailbox("INBOX")
	return s
}

func (s *Server) init() {
	if s.mailboxes == nil {
		s.mailboxes = map[string]*mailbox{}
		s.counts = map[string]int{}
		s.gates = map[string]*gate{}
		s.conns = map[*conn]struct{}{}
		s.nextValidity = 1
	}
}

func (s *Server) separator() byte {
	if s.Separator == 0 {
		return '/'
	}
	return s.Separator
}

func normalizeName(name string) string {
	if strings.EqualFold(name, "inbox") {
		return "INBOX"
	}
	return name
}

// AddMailbox adds a mailbox if it does not exist yet.
func (s *Server) AddMailbox(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMailbox(name)
}

func (s *Server) addMailbox(name string) *mailbox {
	s.init()
	name = normalizeName(name)
	if mb, ok := s.mailboxes[name]; ok {
		return mb
	}
	mb := &mailbox{name: name, uidValidity: s.nextValidity, uidNext: 1}
	s.nextValidity++
	s.mailboxes[name] = mb
	return mb
}

// Mailboxes returns the names of all mailboxes, sorted.
func (s *Server) Mailboxes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var l []string
	for name := range s.mailboxes {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}

// Append adds a message to a mailbox, creating the mailbox if needed, and
// returns its UID.
func (s *Server) Append(name string, flags []string, data []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMailbox(name).append(flags, data).UID
}

// Expunge removes messages from a mailbox.
func (s *Server) Expunge(name string, uids ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailboxes[normalizeName(name)]
	if mb == nil {
		return
	}
	mb.messages = slices.DeleteFunc(mb.messages, func(m *Message) bool { return slices.Contains(uids, m.UID) })
}

// ResetMailbox removes all messages from a mailbox and sets a new UIDVALIDITY,
// like a mailbox that was deleted and recreated. Connections that have the
// mailbox selected are closed with BYE on their next command.
func (s *Server) ResetMailbox(name string, uidValidity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.addMailbox(name)
	mb.messages = nil
	mb.uidNext = 1
	mb.uidValidity = uidValidity
}

// UIDValidity returns the UIDVALIDITY of a mailbox, 0 if it does not exist.
func (s *Server) UIDValidity(name string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mb := s.mailboxes[normalizeName(name)]; mb != nil {
		return mb.uidValidity
	}
	return 0
}

// UIDs returns the UIDs of the messages in a mailbox.
func (s *Server) UIDs(name string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mb := s.mailboxes[normalizeName(name)]; mb != nil {
		return mb.uids()
	}
	return nil
}

// Flags returns the flags of a message, nil if it does not exist.
func (s *Server) Flags(name string, uid uint32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.message(name, uid); m != nil {
		return slices.Clone(m.Flags)
	}
	return nil
}

// SetFlags replaces the flags of a message.
func (s *Server) SetFlags(name string, uid uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.message(name, uid); m != nil {
		m.Flags = nil
		m.add(flags)
	}
}

// Data returns the contents of a message.
func (s *Server) Data(name string, uid uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.message(name, uid); m != nil {
		return m.Data
	}
	return nil
}

func (s *Server) message(name string, uid uint32) *Message {
	mb := s.mailboxes[normalizeName(name)]
	if mb == nil {
		return nil
	}
	for _, m := range mb.messages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

// Count returns how often a command was executed. Commands are lower case, UID
// commands are prefixed, e.g. "uid search".
func (s *Server) Count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.counts[cmd]
}

// ResetCounts clears the command counters.
func (s *Server) ResetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.counts = map[string]int{}
}

// Block makes executions of cmd wait until release is called. The
// entered channel is closed when a connection starts waiting.
func (s *Server) Block(cmd string) (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	s.gates[cmd] = g
	var once sync.Once
	return g.entered, func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gates[cmd] == g {
				delete(s.gates, cmd)
			}
			s.mu.Unlock()
			close(g.release)
		})
	}
}

// DropConnections closes all connections.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.conn.Close()
	}
}

// Close closes all connections and waits for their goroutines to finish.
func (s *Server) Close() {
	s.DropConnections()
	s.wg.Wait()
}

// DialContext returns the client side of a new in-memory connection, serving
// the other side in a goroutine. It can be used as dialer for connecting to the
// server.
func (s *Server) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Serve(server)
	}()
	return client, nil
}

type state byte

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
)

type conn struct {
	s     *Server
	conn  net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	state state
	tls   bool

	selected    string
	readOnly    bool
	uidValidity uint32
	uids        []uint32 // UIDs as known by this connection, for EXPUNGE/EXISTS.
}

// closeConn is raised with panic to stop serving a connection.
type closeConn struct{}

var (
	commandsStateAny              = stringMap("capability", "noop", "logout")
	commandsStateNotAuthenticated = stringMap("starttls", "authenticate", "login")
	commandsStateAuthenticated    = stringMap("namespace", "select", "examine", "create", "delete", "rename", "list", "status", "append")
	commandsStateSelected         = stringMap("close", "unselect", "expunge", "uid expunge", "uid search", "uid fetch", "uid store", "uid copy")
)

func stringMap(l ...string) map[string]struct{} {
	r := map[string]struct{}{}
	for _, s := range l {
		r[s] = struct{}{}
	}
	return r
}

var commands = map[string]func(c *conn, tag, cmd string, args []any){
	"capability":   (*conn).cmdCapability,
	"noop":         (*conn).cmdNoop,
	"logout":       (*conn).cmdLogout,
	"starttls":     (*conn).cmdStarttls,
	"authenticate": (*conn).cmdAuthenticate,
	"login":        (*conn).cmdLogin,
	"namespace":    (*conn).cmdNamespace,
	"select":       (*conn).cmdSelect,
	"examine":      (*conn).cmdSelect,
	"create":       (*conn).cmdCreate,
	"delete":       (*conn).cmdDelete,
	"rename":       (*conn).cmdRename,
	"list":         (*conn).cmdList,
	"status":       (*conn).cmdStatus,
	"append":       (*conn).cmdAppend,
	"close":        (*conn).cmdClose,
	"unselect":     (*conn).cmdClose,
	"expunge":      (*conn).cmdExpunge,
	"uid expunge":  (*conn).cmdExpunge,
	"uid search":   (*conn).cmdUIDSearch,
	"uid fetch":    (*conn).cmdUIDFetch,
	"uid store":    (*conn).cmdUIDStore,
	"uid copy":     (*conn).cmdUIDCopy,
}

// Serve handles a connection until it is closed or logged out.
func (s *Server) Serve(nc net.Conn) {
	c := &conn{s: s, conn: nc, br: bufio.NewReader(nc), bw: bufio.NewWriter(nc)}

	s.mu.Lock()
	s.init()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		nc.Close()
	}()

	if s.Preauth {
		c.state = stateAuthenticated
		c.writelinef("* PREAUTH [CAPABILITY %s] fake imap ready", c.capabilities())
	} else {
		c.writelinef("* OK [CAPABILITY %s] fake imap ready", c.capabilities())
	}
	if c.flush() != nil {
		return
	}
	for c.command() {
	}
}

func (c *conn) capabilities() string {
	s := c.s
	caps := []string{"IMAP4rev1", "UNSELECT", "IDLE"}
	if s.TLSConfig != nil && !c.tls && c.state == stateNotAuthenticated {
		caps = append(caps, "STARTTLS")
	}
	if s.LoginDisabled {
		caps = append(caps, "LOGINDISABLED")
	}
	for _, m := range s.AuthMechanisms {
		caps = append(caps, "AUTH="+m)
	}
	if s.SASLIR {
		caps = append(caps, "SASL-IR")
	}
	if s.LiteralPlus {
		caps = append(caps, "LITERAL+")
	}
	if s.Namespace != "" {
		caps = append(caps, "NAMESPACE")
	}
	if !s.NoUIDPlus {
		caps = append(caps, "UIDPLUS")
	}
	return strings.Join(caps, " ")
}

func (c *conn) writelinef(format string, args ...any) {
	fmt.Fprintf(c.bw, format+"\r\n", args...)
}

func (c *conn) flush() error {
	return c.bw.Flush()
}

func (c *conn) xflush() {
	if err := c.flush(); err != nil {
		panic(closeConn{})
	}
}

func (c *conn) xreadline() string {
	line, err := c.br.ReadString('\n')
	if err != nil {
		panic(closeConn{})
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
}

// xreadCommand reads a command line, including literals, requesting
// continuation for synchronizing literals.
func (c *conn) xreadCommand() string {
	line := c.xreadline()
	var b strings.Builder
	for {
		b.WriteString(line)
		size, nonsync, ok := literalSize(line)
		if !ok {
			break
		}
		if !nonsync {
			c.writelinef("+ ok")
			c.xflush()
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			panic(closeConn{})
		}
		b.WriteString("\r\n")
		b.Write(buf)
		line = c.xreadline()
	}
	return b.String()
}

// command reads and executes a single command, returning false when the
// connection must be closed.
func (c *conn) command() (keep bool) {
	var tag string
	defer func() {
		x := recover()
		if x == nil {
			keep = c.flush() == nil
			return
		}
		switch err := x.(type) {
		case closeConn:
			keep = false
			return
		case syntaxError:
			c.writelinef("%s BAD %s", tag, err.err)
		case userError:
			if err.code != "" {
				c.writelinef("%s NO [%s] %s", tag, err.code, err.err)
			} else {
				c.writelinef("%s NO %s", tag, err.err)
			}
		default:
			panic(x)
		}
		keep = c.flush() == nil
	}()

	line := c.xreadCommand()
	tag, rest, _ := strings.Cut(line, " ")
	if tag == "" || rest == "" {
		tag = "*"
		xsyntaxErrorf("missing tag or command")
	}
	tokens := tokenize(rest)
	if len(tokens) == 0 {
		xsyntaxErrorf("missing command")
	}
	cmd := strings.ToLower(xstring(tokens[0]))
	args := tokens[1:]
	if cmd == "uid" {
		if len(args) == 0 {
			xsyntaxErrorf("missing uid command")
		}
		cmd = "uid " + strings.ToLower(xstring(args[0]))
		args = args[1:]
	}

	fn, ok := commands[cmd]
	if !ok || c.s.Namespace == "" && cmd == "namespace" || c.s.TLSConfig == nil && cmd == "starttls" {
		xsyntaxErrorf("unknown command %q", cmd)
	}
	_, anyState := commandsStateAny[cmd]
	var allowed bool
	switch c.state {
	case stateNotAuthenticated:
		_, allowed = commandsStateNotAuthenticated[cmd]
	case stateAuthenticated:
		_, allowed = commandsStateAuthenticated[cmd]
	case stateSelected:
		_, allowed = commandsStateAuthenticated[cmd]
		if !allowed {
			_, allowed = commandsStateSelected[cmd]
		}
	}
	if !anyState && !allowed {
		xsyntaxErrorf("command %q not allowed in this state", cmd)
	}

	c.s.mu.Lock()
	c.s.counts[cmd]++
	g := c.s.gates[cmd]
	c.s.mu.Unlock()
	if g != nil {
		g.enteredOnce.Do(func() { close(g.entered) })
		<-g.release
	}

	if cmd == "starttls" || cmd == "authenticate" {
		// These read from the connection while executing.
		fn(c, tag, cmd, args)
		return
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	fn(c, tag, cmd, args)
	return
}

func (c *conn) ok(tag, cmd string) {
	c.updates()
	c.writelinef("%s OK %s done", tag, strings.ToUpper(cmd))
}

// updates writes pending EXPUNGE and EXISTS responses for the selected
// mailbox. Must be called with the lock held. If the mailbox was removed or its
// UIDVALIDITY changed, the connection is closed with BYE.
func (c *conn) updates() {
	if c.state != stateSelected {
		return
	}
	mb := c.s.mailboxes[c.selected]
	if mb == nil || mb.uidValidity != c.uidValidity {
		c.writelinef("* BYE [UNAVAILABLE] mailbox removed or uidvalidity changed")
		c.flush()
		panic(closeConn{})
	}
	current := mb.uids()
	for i := len(c.uids) - 1; i >= 0; i-- {
		if !slices.Contains(current, c.uids[i]) {
			c.writelinef("* %d EXPUNGE", i+1)
			c.uids = slices.Delete(c.uids, i, i+1)
		}
	}
	if len(current) != len(c.uids) {
		c.uids = current
		c.writelinef("* %d EXISTS", len(c.uids))
	}
}

func (c *conn) xmailbox(name string) *mailbox {
	mb := c.s.mailboxes[normalizeName(name)]
	if mb == nil {
		xusercodeErrorf("NONEXISTENT", "no such mailbox")
	}
	return mb
}

func xargs(args []any, n int) {
	if len(args) != n {
		xsyntaxErrorf("got %d parameters, expected %d", len(args), n)
	}
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func flagList(flags []string) string {
	return "(" + strings.Join(flags, " ") + ")"
}

func (c *conn) cmdCapability(tag, cmd string, args []any) {
	xargs(args, 0)
	c.writelinef("* CAPABILITY %s", c.capabilities())
	c.ok(tag, cmd)
}

func (c *conn) cmdNoop(tag, cmd string, args []any) {
	xargs(args, 0)
	c.ok(tag, cmd)
}

func (c *conn) cmdLogout(tag, cmd string, args []any) {
	xargs(args, 0)
	c.writelinef("* BYE logging out")
	c.writelinef("%s OK logout done", tag)
	c.flush()
	panic(closeConn{})
}

func (c *conn) cmdStarttls(tag, cmd string, args []any) {
	xargs(args, 0)
	if c.tls {
		xsyntaxErrorf("tls already active")
	}
	c.writelinef("%s OK begin tls", tag)
	c.xflush()
	if c.br.Buffered() > 0 {
		xsyntaxErrorf("data after starttls")
	}
	tc := tls.Server(c.conn, c.s.TLSConfig)
	if err := tc.Handshake(); err != nil {
		panic(closeConn{})
	}
	c.conn = tc
	c.br = bufio.NewReader(tc)
	c.bw = bufio.NewWriter(tc)
	c.tls = true
}

func (c *conn) login(username, password string) {
	if username != c.s.Username || password != c.s.Password {
		xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
	}
	c.state = stateAuthenticated
}

func (c *conn) cmdLogin(tag, cmd string, args []any) {
	xargs(args, 2)
	if c.s.LoginDisabled {
		xusercodeErrorf("PRIVACYREQUIRED", "login disabled")
	}
	c.login(xstring(args[0]), xstring(args[1]))
	c.writelinef("%s OK [CAPABILITY %s] login done", tag, c.capabilities())
}

// xreadResponse reads a client response during authentication, returning the
// decoded data. A "*" cancels the authentication.
func (c *conn) xreadResponse(challenge []byte) []byte {
	c.writelinef("+ %s", base64.StdEncoding.EncodeToString(challenge))
	c.xflush()
	line := c.xreadline()
	if line == "*" {
		xsyntaxErrorf("authentication cancelled")
	}
	buf, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		xsyntaxErrorf("bad base64: %v", err)
	}
	return buf
}

func (c *conn) cmdAuthenticate(tag, cmd string, args []any) {
	if len(args) < 1 || len(args) > 2 {
		xsyntaxErrorf("bad parameters")
	}
	mech := strings.ToUpper(xstring(args[0]))
	if !slices.Contains(c.s.AuthMechanisms, mech) {
		xusercodeErrorf("CANNOT", "mechanism not supported")
	}
	if len(args) == 2 && !c.s.SASLIR {
		xsyntaxErrorf("initial response without SASL-IR")
	}

	switch mech {
	case "PLAIN":
		var buf []byte
		if len(args) == 2 {
			var err error
			ir := xstring(args[1])
			if ir != "=" {
				buf, err = base64.StdEncoding.DecodeString(ir)
				if err != nil {
					xsyntaxErrorf("bad base64: %v", err)
				}
			}
		} else {
			buf = c.xreadResponse(nil)
		}
		t := strings.Split(string(buf), "\x00")
		if len(t) != 3 {
			xsyntaxErrorf("bad plain data")
		}
		c.login(t[1], t[2])

	case "CRAM-MD5":
		if len(args) == 2 {
			xsyntaxErrorf("no initial response for cram-md5")
		}
		c.s.mu.Lock()
		c.s.cramChallenge++
		chal := fmt.Sprintf("<%d.1700000000@fake.example>", c.s.cramChallenge)
		c.s.mu.Unlock()
		buf := c.xreadResponse([]byte(chal))
		user, digest, ok := strings.Cut(string(buf), " ")
		if !ok {
			xsyntaxErrorf("bad cram-md5 response")
		}
		exp := fmt.Sprintf("%x", sasl.CRAMMD5Digest(c.s.Password, []byte(chal)))
		if digest != exp {
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		c.login(user, c.s.Password)

	default:
		xusercodeErrorf("CANNOT", "mechanism not implemented")
	}
	c.writelinef("%s OK authenticate done", tag)
}

func (c *conn) cmdNamespace(tag, cmd string, args []any) {
	xargs(args, 0)
	c.writelinef("* NAMESPACE %s", c.s.Namespace)
	c.ok(tag, cmd)
}

func (c *conn) cmdSelect(tag, cmd string, args []any) {
	xargs(args, 1)
	c.state = stateAuthenticated
	c.selected = ""
	mb := c.xmailbox(xstring(args[0]))

	flags := []string{`\Seen`, `\Answered`, `\Flagged`, `\Deleted`, `\Draft`, "$Forwarded", "$Junk", "$NotJunk"}
	c.writelinef("* FLAGS %s", flagList(flags))
	c.writelinef("* OK [PERMANENTFLAGS %s] flags", flagList(append(flags, `\*`)))
	c.writelinef("* %d EXISTS", len(mb.messages))
	c.writelinef("* 0 RECENT")
	c.writelinef("* OK [UIDVALIDITY %d] x", mb.uidValidity)
	c.writelinef("* OK [UIDNEXT %d] x", mb.uidNext)
	for i, m := range mb.messages {
		if !m.has(`\Seen`) {
			c.writelinef("* OK [UNSEEN %d] x", i+1)
			break
		}
	}

	c.state = stateSelected
	c.selected = mb.name
	c.readOnly = cmd == "examine"
	c.uidValidity = mb.uidValidity
	c.uids = mb.uids()
	if c.readOnly {
		c.writelinef("%s OK [READ-ONLY] examine done", tag)
	} else {
		c.writelinef("%s OK [READ-WRITE] select done", tag)
	}
}

func (c *conn) cmdCreate(tag, cmd string, args []any) {
	xargs(args, 1)
	name := normalizeName(strings.TrimSuffix(xstring(args[0]), string(c.s.separator())))
	if _, ok := c.s.mailboxes[name]; ok {
		xusercodeErrorf("ALREADYEXISTS", "mailbox exists")
	}
	c.s.addMailbox(name)
	c.ok(tag, cmd)
}

func (c *conn) cmdDelete(tag, cmd string, args []any) {
	xargs(args, 1)
	mb := c.xmailbox(xstring(args[0]))
	if mb.name == "INBOX" {
		xuserErrorf("cannot delete inbox")
	}
	delete(c.s.mailboxes, mb.name)
	c.ok(tag, cmd)
}

func (c *conn) cmdRename(tag, cmd string, args []any) {
	xargs(args, 2)
	mb := c.xmailbox(xstring(args[0]))
	nname := normalizeName(xstring(args[1]))
	if _, ok := c.s.mailboxes[nname]; ok {
		xusercodeErrorf("ALREADYEXISTS", "destination exists")
	}
	delete(c.s.mailboxes, mb.name)
	mb.name = nname
	mb.uidValidity = c.s.nextValidity
	c.s.nextValidity++
	c.s.mailboxes[nname] = mb
	c.ok(tag, cmd)
}

// patternMatcher returns a regexp for a LIST pattern, with "*" matching
// anything and "%" anything except the separator.
func (c *conn) patternMatcher(ref, pattern string) *regexp.Regexp {
	sep := regexp.QuoteMeta(string(c.s.separator()))
	var b strings.Builder
	b.WriteString("^")
	for _, r := range ref + pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^" + sep + "]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func (c *conn) cmdList(tag, cmd string, args []any) {
	xargs(args, 2)
	ref, pattern := xstring(args[0]), xstring(args[1])
	sep := quote(string(c.s.separator()))
	if pattern == "" {
		c.writelinef(`* LIST (\Noselect) %s ""`, sep)
		c.ok(tag, cmd)
		return
	}
	re := c.patternMatcher(ref, pattern)
	var names []string
	for name := range c.s.mailboxes {
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		c.writelinef(`* LIST () %s %s`, sep, quote(name))
	}
	c.ok(tag, cmd)
}

func (c *conn) cmdStatus(tag, cmd string, args []any) {
	xargs(args, 2)
	name := xstring(args[0])
	mb := c.xmailbox(name)
	attrs, ok := args[1].([]any)
	if !ok || len(attrs) == 0 {
		xsyntaxErrorf("bad status attributes")
	}
	var l []string
	for _, a := range attrs {
		a := strings.ToUpper(xstring(a))
		var v int
		switch a {
		case "MESSAGES":
			v = len(mb.messages)
		case "UIDNEXT":
			v = int(mb.uidNext)
		case "UIDVALIDITY":
			v = int(mb.uidValidity)
		case "UNSEEN":
			v = mb.unseen()
		case "RECENT":
			v = 0
		default:
			xsyntaxErrorf("unknown status attribute %q", a)
		}
		l = append(l, fmt.Sprintf("%s %d", a, v))
	}
	c.writelinef("* STATUS %s (%s)", quote(mb.name), strings.Join(l, " "))
	c.ok(tag, cmd)
}

func (c *conn) cmdAppend(tag, cmd string, args []any) {
	if len(args) < 2 || len(args) > 4 {
		xsyntaxErrorf("bad parameters")
	}
	name := xstring(args[0])
	var flags []string
	if l, ok := args[1].([]any); ok {
		flags = xflags(l)
	}
	data := xstring(args[len(args)-1])
	mb := c.s.mailboxes[normalizeName(name)]
	if mb == nil {
		xusercodeErrorf("TRYCREATE", "no such mailbox")
	}
	m := mb.append(flags, []byte(data))
	c.updates()
	if c.s.NoUIDPlus {
		c.writelinef("%s OK append done", tag)
	} else {
		c.writelinef("%s OK [APPENDUID %d %d] append done", tag, mb.uidValidity, m.UID)
	}
}

func (c *conn) cmdClose(tag, cmd string, args []any) {
	xargs(args, 0)
	if cmd == "close" && !c.readOnly {
		if mb := c.s.mailboxes[c.selected]; mb != nil {
			mb.messages = slices.DeleteFunc(mb.messages, func(m *Message) bool { return m.has(`\Deleted`) })
		}
	}
	c.state = stateAuthenticated
	c.selected = ""
	c.uids = nil
	c.writelinef("%s OK %s done", tag, strings.ToUpper(cmd))
}

func (c *conn) xselectedMailbox() *mailbox {
	mb := c.s.mailboxes[c.selected]
	if mb == nil {
		c.updates()
	}
	return mb
}

func (c *conn) cmdExpunge(tag, cmd string, args []any) {
	var set string
	if cmd == "uid expunge" {
		if c.s.NoUIDPlus {
			xsyntaxErrorf("unknown command %q", cmd)
		}
		xargs(args, 1)
		set = xstring(args[0])
	} else {
		xargs(args, 0)
	}
	if c.readOnly {
		xuserErrorf("mailbox is read-only")
	}
	mb := c.xselectedMailbox()
	mb.messages = slices.DeleteFunc(mb.messages, func(m *Message) bool {
		return m.has(`\Deleted`) && (set == "" || inSet(set, m.UID, mb.maxUID()))
	})
	c.ok(tag, cmd)
}

// inSet returns whether v is in the sequence set s, with star the value for "*".
func inSet(s string, v, star uint32) bool {
	ns, err := imapclient.ParseNumSet(s)
	if err != nil || ns.SearchResult {
		xsyntaxErrorf("bad set %q", s)
	}
	for _, r := range ns.Ranges {
		first, last := r.First, r.First
		if r.Last != nil {
			last = *r.Last
		}
		if first == 0 {
			first = star
		}
		if last == 0 {
			last = star
		}
		if first > last {
			first, last = last, first
		}
		if v >= first && v <= last {
			return true
		}
	}
	return false
}

func isSet(s string) bool {
	return s != "" && strings.Trim(s, "0123456789:,*") == ""
}

func (c *conn) cmdUIDSearch(tag, cmd string, args []any) {
	if c.s.NoSearch {
		xsyntaxErrorf("search not supported")
	}
	mb := c.xselectedMailbox()
	match := func(m *Message, seq int) bool {
		for i := 0; i < len(args); i++ {
			key := strings.ToUpper(xstring(args[i]))
			flagKey := func(flag string, want bool) bool { return m.has(flag) == want }
			var ok bool
			switch key {
			case "ALL":
				ok = true
			case "UID":
				i++
				if i >= len(args) {
					xsyntaxErrorf("missing uid set")
				}
				ok = inSet(xstring(args[i]), m.UID, mb.maxUID())
			case "SEEN", "ANSWERED", "FLAGGED", "DELETED", "DRAFT":
				ok = flagKey(`\`+key[:1]+strings.ToLower(key[1:]), true)
			case "UNSEEN", "UNANSWERED", "UNFLAGGED", "UNDELETED", "UNDRAFT":
				k := key[2:]
				ok = flagKey(`\`+k[:1]+strings.ToLower(k[1:]), false)
			case "KEYWORD", "UNKEYWORD":
				i++
				if i >= len(args) {
					xsyntaxErrorf("missing keyword")
				}
				ok = flagKey(xstring(args[i]), key == "KEYWORD")
			default:
				if !isSet(key) {
					xsyntaxErrorf("unsupported search key %q", key)
				}
				ok = inSet(key, uint32(seq), uint32(len(mb.messages)))
			}
			if !ok {
				return false
			}
		}
		return true
	}
	var uids []string
	for i, m := range mb.messages {
		if match(m, i+1) {
			uids = append(uids, fmt.Sprintf("%d", m.UID))
		}
	}
	if len(uids) == 0 {
		c.writelinef("* SEARCH")
	} else {
		c.writelinef("* SEARCH %s", strings.Join(uids, " "))
	}
	c.ok(tag, cmd)
}

func (c *conn) fetchResponse(seq int, m *Message, items []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "* %d FETCH (UID %d", seq, m.UID)
	for _, item := range items {
		switch item {
		case "UID":
		case "FLAGS":
			fmt.Fprintf(&b, " FLAGS %s", flagList(m.Flags))
		case "RFC822.SIZE":
			fmt.Fprintf(&b, " RFC822.SIZE %d", len(m.Data))
		case "BODY.PEEK[]", "BODY[]", "RFC822":
			if item == "BODY[]" && !c.readOnly {
				m.add([]string{`\Seen`})
			}
			attr := "BODY[]"
			if item == "RFC822" {
				attr = item
			}
			fmt.Fprintf(&b, " %s {%d}\r\n%s", attr, len(m.Data), m.Data)
		default:
			xsyntaxErrorf("unsupported fetch item %q", item)
		}
	}
	b.WriteString(")")
	c.writelinef("%s", b.String())
}

func (c *conn) cmdUIDFetch(tag, cmd string, args []any) {
	xargs(args, 2)
	set := xstring(args[0])
	var items []string
	switch x := args[1].(type) {
	case string:
		items = []string{strings.ToUpper(x)}
	case []any:
		for _, e := range x {
			items = append(items, strings.ToUpper(xstring(e)))
		}
	}
	mb := c.xselectedMailbox()
	max := mb.maxUID()
	for i, m := range mb.messages {
		if inSet(set, m.UID, max) {
			c.fetchResponse(i+1, m, items)
		}
	}
	c.ok(tag, cmd)
}

func (c *conn) cmdUIDStore(tag, cmd string, args []any) {
	xargs(args, 3)
	set := xstring(args[0])
	item := strings.ToUpper(xstring(args[1]))
	flags := xflags(args[2])
	if c.s.MaxStoreSetLength > 0 && len(set) > c.s.MaxStoreSetLength {
		xusercodeErrorf("LIMIT", "set too long")
	}
	if c.readOnly {
		xuserErrorf("mailbox is read-only")
	}
	silent := strings.HasSuffix(item, ".SILENT")
	op := strings.TrimSuffix(item, ".SILENT")
	mb := c.xselectedMailbox()
	max := mb.maxUID()
	for i, m := range mb.messages {
		if !inSet(set, m.UID, max) {
			continue
		}
		switch op {
		case "FLAGS":
			m.Flags = nil
			m.add(flags)
		case "+FLAGS":
			m.add(flags)
		case "-FLAGS":
			m.remove(flags)
		default:
			xsyntaxErrorf("bad store item %q", item)
		}
		if !silent {
			c.fetchResponse(i+1, m, []string{"FLAGS"})
		}
	}
	c.ok(tag, cmd)
}

func (c *conn) cmdUIDCopy(tag, cmd string, args []any) {
	xargs(args, 2)
	set := xstring(args[0])
	mb := c.xselectedMailbox()
	dst := c.s.mailboxes[normalizeName(xstring(args[1]))]
	if dst == nil {
		xusercodeErrorf("TRYCREATE", "no such mailbox")
	}
	max := mb.maxUID()
	var from, to []uint32
	for _, m := range slices.Clone(mb.messages) {
		if !inSet(set, m.UID, max) {
			continue
		}
		nm := dst.append(m.Flags, m.Data)
		from = append(from, m.UID)
		to = append(to, nm.UID)
	}
	c.updates()
	if c.s.NoUIDPlus || len(from) == 0 {
		c.writelinef("%s OK copy done", tag)
		return
	}
	c.writelinef("%s OK [COPYUID %d %s %s] copy done", tag, dst.uidValidity, imapclient.CompactSet(from), imapclient.CompactSet(to))
}
