/*
Package imapclient provides an IMAP4 client for the commands needed to mirror
remote mailboxes: IMAP4rev1 (RFC 3501) with the UIDPLUS, LITERAL+, NAMESPACE
and SASL-IR extensions.

See [Conn] for executing IMAP commands. Responses are read line by line, with
literals read by their announced size, so literal data can contain any bytes,
including line endings.
*/
package imapclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mjl-/imapmirror/metrics"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/transport"
)

// Conn is a connection to an IMAP server.
//
// Method names on Conn are the names of IMAP commands. CloseMailbox, which
// executes the IMAP CLOSE command, is an exception. The Close method closes the
// connection.
//
// The methods on Conn return errors of type Error for protocol errors (matching
// ErrProtocol), errors matching transport.ErrSocket for i/o errors including
// exceeded deadlines, and Response if the IMAP result is NO or BAD instead of
// OK. The responses returned by the IMAP command methods can also be non-zero on
// errors. Callers may wish to process any untagged responses.
//
// Untagged CAPABILITY responses and response codes update CapAvailable.
// Untagged EXISTS and EXPUNGE responses update Exists and set ContentChanged,
// regardless of the command they were read for.
//
// A Conn is not safe for concurrent use. Only one command can be in flight.
type Conn struct {
	// If true, server sent a PREAUTH tag and the connection is already authenticated,
	// e.g. based on TLS certificate authentication.
	Preauth bool

	// Capabilities available at server, from CAPABILITY command or response code.
	CapAvailable []Capability

	// Number of messages in the selected mailbox, as last announced by the server.
	Exists uint32

	// Set when an untagged EXISTS or EXPUNGE was read. Cleared by the caller.
	ContentChanged bool

	tc         *transport.Conn
	log        mlog.Log
	tagGen     int
	lastTag    string
	maxLiteral int64

	// Untagged responses read while waiting for a continuation, added to the next
	// response.
	pending    []Untagged
	pendingRaw []string
}

// Opts has optional fields that influence behaviour of a Conn.
type Opts struct {
	Logger *slog.Logger

	// MaxLiteralSize is the maximum size of a literal sent by the server, e.g. a
	// message body. Zero means DefaultMaxLiteralSize.
	MaxLiteralSize int64
}

// DefaultMaxLiteralSize is the default maximum size of a literal from the
// server.
const DefaultMaxLiteralSize = 100 * 1024 * 1024

// ioError is raised with panic for i/o errors, and returned as its underlying
// error.
type ioError struct{ err error }

// New initializes a new IMAP client on tc, a connection that is already set up
// for TLS if needed. The initial untagged greeting response is read and must be
// "OK" or "PREAUTH". If preauth, the connection is already in authenticated
// state, indicated in Conn.Preauth.
func New(tc *transport.Conn, opts *Opts) (client *Conn, rerr error) {
	c := &Conn{tc: tc}

	var clog *slog.Logger
	c.maxLiteral = DefaultMaxLiteralSize
	if opts != nil {
		clog = opts.Logger
		if opts.MaxLiteralSize > 0 {
			c.maxLiteral = opts.MaxLiteralSize
		}
	}
	c.log = mlog.New("imapclient", clog)

	defer c.recover(&rerr, nil)

	line := c.xreadLine()
	if !strings.HasPrefix(line, "* ") {
		c.xerrorf("expected untagged greeting, got %q", line)
	}
	ut := c.xparseUntagged(line)
	switch x := ut.(type) {
	case UntaggedResult:
		if x.Status != OK {
			c.xerrorf("greeting, got status %q, expected OK", x.Status)
		}
		if caps, ok := x.Code.(CodeCapability); ok {
			c.CapAvailable = caps
		}
		return c, nil
	case UntaggedPreauth:
		c.Preauth = true
		if caps, ok := x.Code.(CodeCapability); ok {
			c.CapAvailable = caps
		}
		return c, nil
	case UntaggedBye:
		c.xerrorf("greeting: server sent bye: %s", x.Text)
	default:
		c.xerrorf("unexpected untagged %v", ut)
	}
	panic("not reached")
}

func (c *Conn) recover(rerr *error, resp *Response) {
	if *rerr != nil {
		if r, ok := (*rerr).(Response); ok && resp != nil {
			*resp = r
		}
		return
	}

	x := recover()
	if x == nil {
		return
	}
	var err error
	switch e := x.(type) {
	case Error:
		err = e
	case ioError:
		err = e.err
	case Response:
		err = e
		if resp != nil {
			*resp = e
		}
	default:
		panic(x)
	}
	*rerr = err
}

func (c *Conn) xerrorf(format string, args ...any) {
	panic(Error{fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))})
}

func (c *Conn) xcheckf(err error, format string, args ...any) {
	if err != nil {
		c.xerrorf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func (c *Conn) xcheckio(err error) {
	if err != nil {
		panic(ioError{err})
	}
}

// xresponse sets resp if err is a Response and resp is not nil.
func (c *Conn) xresponse(err error, resp *Response) {
	if err == nil {
		return
	}
	if r, ok := err.(Response); ok && resp != nil {
		*resp = r
	}
	panic(err)
}

// HasCap returns whether the server announced capability cap.
func (c *Conn) HasCap(cap Capability) bool {
	for _, x := range c.CapAvailable {
		if strings.EqualFold(string(x), string(cap)) {
			return true
		}
	}
	return false
}

// Close closes the connection without logging out.
func (c *Conn) Close() error {
	return c.tc.Close()
}

// Watch makes cancellation of ctx close the connection, so a command waiting
// for the server fails immediately. See transport.Conn.Watch.
func (c *Conn) Watch(ctx context.Context) (stop func() bool) {
	return c.tc.Watch(ctx)
}

// Broken returns whether the connection failed earlier and cannot be used for
// further commands.
func (c *Conn) Broken() bool {
	return c.tc.Broken()
}

// TLSConnectionState returns the TLS connection state if the connection uses
// TLS.
func (c *Conn) TLSConnectionState() *tls.ConnectionState {
	return c.tc.TLSConnectionState()
}

func (c *Conn) nextTag() string {
	c.tagGen++
	c.lastTag = fmt.Sprintf("x%03d", c.tagGen)
	return c.lastTag
}

// LastTag returns the tag last used for a command. For checking against a command
// completion result.
func (c *Conn) LastTag() string {
	return c.lastTag
}

// xreadLine reads a line from the server. If the line ends with a literal, the
// literal data is read by its size, and the remainder of the line is read and
// appended, so the returned line has all literals inline.
func (c *Conn) xreadLine() string {
	line, err := c.tc.ReadLine()
	c.xcheckio(err)
	for {
		size, ok := literalSize(line)
		if !ok {
			return line
		}
		if size > c.maxLiteral {
			// Rest of the response cannot be skipped, the connection is unusable.
			c.log.Check(c.tc.Close(), "closing connection after oversized literal")
			c.xerrorf("literal of %d bytes exceeds maximum of %d bytes", size, c.maxLiteral)
		}
		buf, err := c.tc.ReadExact(size)
		c.xcheckio(err)
		rest, err := c.tc.ReadLine()
		c.xcheckio(err)
		line += "\r\n" + string(buf) + rest
	}
}

func (c *Conn) xparseUntagged(line string) Untagged {
	p := parser{s: line}
	p.xtake("* ")
	ut := p.xuntagged()
	c.processUntagged(ut)
	return ut
}

// processUntagged updates connection state for untagged responses, as they are
// read.
func (c *Conn) processUntagged(ut Untagged) {
	switch x := ut.(type) {
	case UntaggedCapability:
		c.CapAvailable = []Capability(x)
	case UntaggedExists:
		c.Exists = uint32(x)
		c.ContentChanged = true
	case UntaggedExpunge:
		if c.Exists > 0 {
			c.Exists--
		}
		c.ContentChanged = true
	case UntaggedResult:
		c.processCode(x.Code)
	case UntaggedBye:
		c.log.Debug("server sent bye", slog.String("text", x.Text))
	}
}

func (c *Conn) processCode(code Code) {
	if caps, ok := code.(CodeCapability); ok {
		c.CapAvailable = []Capability(caps)
	}
}

// ReadResponse reads from the IMAP server until a tagged response line is found.
// The tag must be the same as the tag for the last written command.
//
// If an error is returned, resp can still be non-empty, and a caller may wish to
// process resp.Untagged.
//
// Caller should check resp.Status for the result of the command too.
func (c *Conn) ReadResponse() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	resp.Untagged, resp.Raw = c.pending, c.pendingRaw
	c.pending, c.pendingRaw = nil, nil

	for {
		line := c.xreadLine()
		if strings.HasPrefix(line, "* ") {
			resp.Raw = append(resp.Raw, line[2:])
			resp.Untagged = append(resp.Untagged, c.xparseUntagged(line))
			continue
		}
		if strings.HasPrefix(line, "+") {
			c.xerrorf("unexpected continuation %q", line)
		}

		tag, result, err := ParseResult(line)
		if err != nil {
			panic(err)
		}
		if tag != c.lastTag {
			c.xerrorf("got tag %q, expected %q", tag, c.lastTag)
		}
		c.processCode(result.Code)
		resp.Result = result
		return
	}
}

// ReadContinuation reads a line. If it is a continuation, i.e. starts with "+",
// it is returned without leading "+ ". Untagged responses that arrive first are
// kept for the next response. If the command completes instead, an error is
// returned, which can be a Response with the result. A successfully read
// continuation can return an empty line.
func (c *Conn) ReadContinuation() (line string, rerr error) {
	defer c.recover(&rerr, nil)

	for {
		ok, err := c.tc.Peek('+')
		c.xcheckio(err)
		if ok {
			line := c.xreadLine()
			line = strings.TrimPrefix(line, "+")
			return strings.TrimPrefix(line, " "), nil
		}
		ok, err = c.tc.Peek('*')
		c.xcheckio(err)
		if !ok {
			var resp Response
			resp, rerr = c.ReadResponse()
			if rerr == nil {
				rerr = resp
			}
			return "", rerr
		}
		line := c.xreadLine()
		if !strings.HasPrefix(line, "* ") {
			c.xerrorf("expected untagged response, got %q", line)
		}
		c.pendingRaw = append(c.pendingRaw, line[2:])
		c.pending = append(c.pending, c.xparseUntagged(line))
	}
}

// literal is a command argument sent as IMAP literal.
type literal struct {
	data  string
	level slog.Level // For tracing the data.
}

// secret is a command argument with credentials. It is traced at level
// traceauth, and sent as literal if needed.
type secret string

// cmdWriter gathers data for a command, writing it whenever the trace level
// changes or a synchronizing literal needs a continuation from the server.
type cmdWriter struct {
	c     *Conn
	buf   []byte
	level slog.Level
}

func (w *cmdWriter) add(level slog.Level, s string) {
	if len(w.buf) > 0 && level != w.level {
		w.xflush()
	}
	w.level = level
	w.buf = append(w.buf, s...)
}

func (w *cmdWriter) xflush() {
	if len(w.buf) == 0 {
		return
	}
	err := w.c.tc.WriteTraced(w.level, w.buf)
	w.c.xcheckio(err)
	w.buf = w.buf[:0]
}

// xliteral writes a literal. Without LITERAL+, the size is sent as synchronizing
// literal and the data only after the server sends a continuation. LITERAL- only
// allows non-synchronizing literals up to 4096 bytes. ../rfc/7888:126
func (w *cmdWriter) xliteral(data string, level slog.Level) {
	c := w.c
	nonsync := c.HasCap(CapLiteralPlus) || c.HasCap(CapLiteralMinus) && len(data) <= 4096
	if nonsync {
		w.add(mlog.LevelTrace, fmt.Sprintf("{%d+}\r\n", len(data)))
	} else {
		w.add(mlog.LevelTrace, fmt.Sprintf("{%d}\r\n", len(data)))
		w.xflush()
		_, err := c.ReadContinuation()
		c.xresponse(err, nil)
	}
	w.add(level, data)
}

// xcommand writes a command with a new tag. Arguments of type string are written
// as is, literal and secret as described at their types. Arguments are
// separated by a space.
func (c *Conn) xcommand(args ...any) {
	w := &cmdWriter{c: c}
	w.add(mlog.LevelTrace, c.nextTag())
	for _, a := range args {
		w.add(mlog.LevelTrace, " ")
		switch x := a.(type) {
		case string:
			w.add(mlog.LevelTrace, x)
		case secret:
			if needLiteral(string(x)) {
				w.xliteral(string(x), mlog.LevelTraceauth)
			} else {
				w.add(mlog.LevelTraceauth, stringx(string(x)))
			}
		case literal:
			w.xliteral(x.data, x.level)
		default:
			panic(fmt.Sprintf("unknown command argument type %T", a))
		}
	}
	w.add(mlog.LevelTrace, "\r\n")
	w.xflush()
}

// xwriteLine writes a line without tag, e.g. an authentication response.
func (c *Conn) xwriteLine(level slog.Level, s string) {
	err := c.tc.WriteTraced(level, []byte(s+"\r\n"))
	c.xcheckio(err)
}

// commandName returns the command name for metrics, e.g. "uid fetch".
func commandName(format string) string {
	t := strings.Fields(format)
	if len(t) == 0 {
		return ""
	}
	if strings.EqualFold(t[0], "uid") && len(t) > 1 {
		return strings.ToLower(t[0] + " " + t[1])
	}
	return strings.ToLower(t[0])
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrSyntax):
		return "bad"
	case errors.Is(err, ErrRejected):
		return "no"
	}
	return metrics.ResultLabel(err)
}

// transactf writes format and args as an IMAP command with a new tag. Transactf
// then reads a response using ReadResponse and checks the result status is OK.
func (c *Conn) transactf(format string, args ...any) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	c.xcommand(fmt.Sprintf(format, args...))
	return c.responseOK(commandName(format), time.Now())
}

func (c *Conn) responseOK(cmd string, start time.Time) (resp Response, rerr error) {
	defer func() {
		metrics.CommandObserve(cmd, resultLabel(rerr), start)
	}()

	resp, rerr = c.ReadResponse()
	if rerr == nil && resp.Status != OK {
		rerr = resp
	}
	if rerr != nil && !errors.Is(rerr, ErrRejected) && !errors.Is(rerr, ErrSyntax) {
		c.log.Debugx("imap command failed", rerr, slog.String("command", cmd))
	}
	return
}
