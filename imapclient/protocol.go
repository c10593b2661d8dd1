package imapclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Capability is a known string for CAPABILITY responses. Servers could send
// unknown values. Always in upper case.
type Capability string

const (
	CapIMAP4rev1       Capability = "IMAP4REV1"          // ../rfc/3501:1310
	CapIMAP4rev2       Capability = "IMAP4REV2"          // ../rfc/9051:1219
	CapLoginDisabled   Capability = "LOGINDISABLED"      // ../rfc/3501:3792
	CapStartTLS        Capability = "STARTTLS"           // ../rfc/3501:1327
	CapAuthPlain       Capability = "AUTH=PLAIN"         // ../rfc/3501:1327
	CapAuthLogin       Capability = "AUTH=LOGIN"         // draft-murchison-sasl-login
	CapAuthCRAMMD5     Capability = "AUTH=CRAM-MD5"      // ../rfc/2195:80
	CapAuthSCRAMSHA1   Capability = "AUTH=SCRAM-SHA-1"   // ../rfc/5802:465
	CapAuthSCRAMSHA256 Capability = "AUTH=SCRAM-SHA-256" // ../rfc/7677:80
	CapSASLIR          Capability = "SASL-IR"            // ../rfc/4959:90
	CapLiteralPlus     Capability = "LITERAL+"           // ../rfc/2088:45
	CapLiteralMinus    Capability = "LITERAL-"           // ../rfc/7888:26
	CapIdle            Capability = "IDLE"               // ../rfc/2177:69
	CapNamespace       Capability = "NAMESPACE"          // ../rfc/2342:130
	CapUnselect        Capability = "UNSELECT"           // ../rfc/3691:78
	CapUIDPlus         Capability = "UIDPLUS"            // ../rfc/4315:36
	CapMove            Capability = "MOVE"               // ../rfc/6851:87
	CapUTF8Accept      Capability = "UTF8=ACCEPT"
)

// Status is the tagged final result of a command.
type Status string

const (
	BAD Status = "BAD" // Syntax error.
	NO  Status = "NO"  // Command failed.
	OK  Status = "OK"  // Command succeeded.
)

var (
	// ErrProtocol is matched by errors for malformed or unexpected responses,
	// including a tag mismatch.
	ErrProtocol = errors.New("imap protocol error")

	// ErrSyntax is matched by a Result with status BAD, the server considered the
	// command malformed.
	ErrSyntax = errors.New("imap syntax error")

	// ErrRejected is matched by a Result with status NO.
	ErrRejected = errors.New("imap command failed")
)

// Error is a parse or other protocol error. It matches ErrProtocol.
type Error struct{ err error }

func (e Error) Error() string {
	return e.err.Error()
}

func (e Error) Unwrap() error {
	return e.err
}

func (e Error) Is(target error) bool {
	return target == ErrProtocol
}

// Response is a response to an IMAP command including any preceding untagged
// responses. Response implements the error interface through result.
//
// See [UntaggedResponseGet] and [UntaggedResponseList] to retrieve specific types
// of untagged responses.
type Response struct {
	Untagged []Untagged

	// The untagged lines as read, without "* " and CRLF, with literals inline.
	Raw []string

	Result
}

var (
	ErrMissing  = errors.New("no response of type")        // Returned by UntaggedResponseGet.
	ErrMultiple = errors.New("multiple responses of type") // Idem.
)

// UntaggedResponseGet returns the single untagged response of type T. Only
// [ErrMissing] or [ErrMultiple] can be returned as error.
func UntaggedResponseGet[T Untagged](resp Response) (T, error) {
	var t T
	var have bool
	for _, e := range resp.Untagged {
		if tt, ok := e.(T); ok {
			if have {
				return t, ErrMultiple
			}
			t = tt
			have = true
		}
	}
	if !have {
		return t, ErrMissing
	}
	return t, nil
}

// UntaggedResponseList returns all untagged responses of type T.
func UntaggedResponseList[T Untagged](resp Response) []T {
	var l []T
	for _, e := range resp.Untagged {
		if tt, ok := e.(T); ok {
			l = append(l, tt)
		}
	}
	return l
}

// Result is the final response for a command, indicating success or failure.
type Result struct {
	Status Status
	Code   Code   // Set if response code is present.
	Text   string // Any remaining text.
}

func (r Result) Error() string {
	s := fmt.Sprintf("IMAP result %s", r.Status)
	if r.Code != nil {
		s += " [" + r.Code.CodeString() + "]"
	}
	if r.Text != "" {
		s += " " + r.Text
	}
	return s
}

// Is matches BAD results against ErrSyntax and NO results against ErrRejected.
func (r Result) Is(target error) bool {
	switch r.Status {
	case BAD:
		return target == ErrSyntax
	case NO:
		return target == ErrRejected
	}
	return false
}

// Code represents a response code with optional arguments, i.e. the data between [] in the response line.
type Code interface {
	CodeString() string
}

// CodeWord is a response code without parameters, always in upper case.
type CodeWord string

func (c CodeWord) CodeString() string {
	return string(c)
}

// CodeParams is an unrecognized response code with parameters.
type CodeParams struct {
	Code string // Always in upper case.
	Args []string
}

func (c CodeParams) CodeString() string {
	return c.Code + " " + strings.Join(c.Args, " ")
}

// CodeCapability is a CAPABILITY response code with the capabilities supported by the server.
type CodeCapability []Capability

func (c CodeCapability) CodeString() string {
	var s string
	for _, c := range c {
		s += " " + string(c)
	}
	return "CAPABILITY" + s
}

type CodePermanentFlags []string

func (c CodePermanentFlags) CodeString() string {
	return "PERMANENTFLAGS (" + strings.Join([]string(c), " ") + ")"
}

type CodeUIDNext uint32

func (c CodeUIDNext) CodeString() string {
	return fmt.Sprintf("UIDNEXT %d", c)
}

type CodeUIDValidity uint32

func (c CodeUIDValidity) CodeString() string {
	return fmt.Sprintf("UIDVALIDITY %d", c)
}

// CodeUnseen has the sequence number of the first unseen message.
type CodeUnseen uint32

func (c CodeUnseen) CodeString() string {
	return fmt.Sprintf("UNSEEN %d", c)
}

// "APPENDUID" response code.
type CodeAppendUID struct {
	UIDValidity uint32
	UIDs        NumRange
}

func (c CodeAppendUID) CodeString() string {
	return fmt.Sprintf("APPENDUID %d %s", c.UIDValidity, c.UIDs.String())
}

// "COPYUID" response code.
type CodeCopyUID struct {
	DestUIDValidity uint32
	From            NumSet
	To              NumSet
}

func (c CodeCopyUID) CodeString() string {
	return fmt.Sprintf("COPYUID %d %s %s", c.DestUIDValidity, c.From.String(), c.To.String())
}

// Mapping returns the new UID in the destination mailbox for each source UID.
func (c CodeCopyUID) Mapping() (map[uint32]uint32, error) {
	from, err := c.From.Expand()
	if err != nil {
		return nil, fmt.Errorf("source uids: %w", err)
	}
	to, err := c.To.Expand()
	if err != nil {
		return nil, fmt.Errorf("destination uids: %w", err)
	}
	if len(from) != len(to) {
		return nil, fmt.Errorf("%d source uids but %d destination uids", len(from), len(to))
	}
	m := make(map[uint32]uint32, len(from))
	for i, uid := range from {
		m[uid] = to[i]
	}
	return m, nil
}

// atom or string.
func astring(s string) string {
	if len(s) == 0 {
		return stringx(s)
	}
	for _, c := range s {
		if c <= ' ' || c >= 0x7f || c == '(' || c == ')' || c == '{' || c == '%' || c == '*' || c == '"' || c == '\\' || c == ']' {
			return stringx(s)
		}
	}
	return s
}

// imap "string" as double-quoted string. Callers must check with needLiteral
// first for values that may contain CR, LF or NUL.
func stringx(s string) string {
	r := `"`
	for _, c := range s {
		if c == '\\' || c == '"' {
			r += `\`
		}
		r += string(c)
	}
	r += `"`
	return r
}

// needLiteral returns whether s can only be sent as literal.
func needLiteral(s string) bool {
	for _, c := range s {
		if c == 0 || c == '\r' || c == '\n' || c >= 0x80 {
			return true
		}
	}
	return false
}

// Untagged is a parsed untagged response. See types starting with Untagged.
type Untagged any

type UntaggedBye struct {
	Code Code   // Set if response code is present.
	Text string // Any remaining text.
}
type UntaggedPreauth struct {
	Code Code   // Set if response code is present.
	Text string // Any remaining text.
}
type UntaggedExpunge uint32
type UntaggedExists uint32
type UntaggedRecent uint32

// UntaggedCapability lists all capabilities the server implements.
type UntaggedCapability []Capability

type UntaggedResult Result
type UntaggedFlags []string
type UntaggedList struct {
	// ../rfc/9051:6690

	Flags     []string
	Separator byte   // 0 for NIL
	Mailbox   string // As sent by the server, in modified UTF-7.
}
type UntaggedFetch struct {
	Seq   uint32
	Attrs []FetchAttr
}
type UntaggedSearch []uint32

type UntaggedStatus struct {
	Mailbox string
	Attrs   map[StatusAttr]int64 // Upper case status attributes.
}

// UntaggedOther is an untagged response this package does not interpret.
type UntaggedOther struct {
	Name string // Upper case.
	Text string // Remainder of the line, may be empty.
}

type StatusAttr string

// ../rfc/9051:7059

const (
	StatusMessages    StatusAttr = "MESSAGES"
	StatusUIDNext     StatusAttr = "UIDNEXT"
	StatusUIDValidity StatusAttr = "UIDVALIDITY"
	StatusUnseen      StatusAttr = "UNSEEN"
	StatusRecent      StatusAttr = "RECENT"
)

type UntaggedNamespace struct {
	Personal, Other, Shared []NamespaceDescr
}

type NamespaceDescr struct {
	// ../rfc/9051:6769

	Prefix    string
	Separator byte // If 0 then separator was absent.
}

// FetchAttr represents a FETCH response attribute.
type FetchAttr interface {
	Attr() string // Name of attribute in upper case, e.g. "UID".
}

// FetchAttrGet returns the first attribute of type T from the fetch response.
func FetchAttrGet[T FetchAttr](f UntaggedFetch) (T, bool) {
	for _, a := range f.Attrs {
		if t, ok := a.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// "FLAGS" fetch response.
type FetchFlags []string

func (f FetchFlags) Attr() string { return "FLAGS" }

// "INTERNALDATE" fetch response.
type FetchInternalDate struct {
	Date time.Time
}

func (f FetchInternalDate) Attr() string { return "INTERNALDATE" }

// "RFC822.SIZE" fetch response.
type FetchRFC822Size int64

func (f FetchRFC822Size) Attr() string { return "RFC822.SIZE" }

// "RFC822" fetch response.
type FetchRFC822 string

func (f FetchRFC822) Attr() string { return "RFC822" }

// "BODY" fetch response.
type FetchBody struct {
	// ../rfc/9051:6756 ../rfc/9051:6985

	RespAttr string
	Section  string
	Offset   int32
	Body     string
}

func (f FetchBody) Attr() string { return f.RespAttr }

// "UID" fetch response.
type FetchUID uint32

func (f FetchUID) Attr() string { return "UID" }

// FetchOther is a fetch attribute this package does not interpret. Its value is
// skipped.
type FetchOther string

func (f FetchOther) Attr() string { return string(f) }

// Mailbox holds the state of a mailbox after SELECT or EXAMINE.
type Mailbox struct {
	Exists         uint32
	Recent         uint32
	UIDValidity    uint32
	UIDNext        uint32
	FirstUnseen    uint32 // Sequence number, 0 if absent.
	Flags          []string
	PermanentFlags []string
	ReadOnly       bool
}

// MailboxInfo gathers the mailbox state from a SELECT or EXAMINE response.
func MailboxInfo(resp Response) Mailbox {
	var mb Mailbox
	code := func(c Code) {
		switch x := c.(type) {
		case CodeUIDValidity:
			mb.UIDValidity = uint32(x)
		case CodeUIDNext:
			mb.UIDNext = uint32(x)
		case CodeUnseen:
			mb.FirstUnseen = uint32(x)
		case CodePermanentFlags:
			mb.PermanentFlags = []string(x)
		case CodeWord:
			if x == "READ-ONLY" {
				mb.ReadOnly = true
			}
		}
	}
	for _, ut := range resp.Untagged {
		switch x := ut.(type) {
		case UntaggedExists:
			mb.Exists = uint32(x)
		case UntaggedRecent:
			mb.Recent = uint32(x)
		case UntaggedFlags:
			mb.Flags = []string(x)
		case UntaggedResult:
			code(x.Code)
		}
	}
	code(resp.Code)
	return mb
}
