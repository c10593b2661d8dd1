package imapclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parser parses a single response, with literal data inline as read from the
// connection: "{<size>}\r\n<data>".
type parser struct {
	s string
	o int
}

func (p *parser) recover(rerr *error) {
	if *rerr != nil {
		return
	}
	x := recover()
	if x == nil {
		return
	}
	err, ok := x.(Error)
	if !ok {
		panic(x)
	}
	*rerr = err
}

func (p *parser) xerrorf(format string, args ...any) {
	var context string
	if p.o < len(p.s) {
		context = p.s[p.o:]
		if len(context) > 32 {
			context = context[:32] + "..."
		}
	}
	panic(Error{fmt.Errorf("%w: %s (remaining %q)", ErrProtocol, fmt.Sprintf(format, args...), context)})
}

func (p *parser) empty() bool {
	return p.o == len(p.s)
}

func (p *parser) xempty() {
	if !p.empty() {
		p.xerrorf("leftover data")
	}
}

func (p *parser) peek(s string) bool {
	return strings.HasPrefix(p.s[p.o:], s)
}

// Case insensitive.
func (p *parser) hasPrefix(s string) bool {
	return len(p.s)-p.o >= len(s) && strings.EqualFold(p.s[p.o:p.o+len(s)], s)
}

func (p *parser) take(s string) bool {
	if p.hasPrefix(s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

func (p *parser) xspace() {
	p.xtake(" ")
}

func (p *parser) peekByte() byte {
	if p.empty() {
		return 0
	}
	return p.s[p.o]
}

// takeWhile returns the (possibly empty) sequence of bytes for which fn is true.
func (p *parser) takeWhile(fn func(b byte) bool) string {
	start := p.o
	for p.o < len(p.s) && fn(p.s[p.o]) {
		p.o++
	}
	return p.s[start:p.o]
}

func isAtomChar(b byte) bool {
	switch b {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return false
	}
	return b > ' ' && b < 0x7f
}

func isAstringChar(b byte) bool {
	return isAtomChar(b) || b == ']'
}

func (p *parser) xatom() string {
	s := p.takeWhile(isAtomChar)
	if s == "" {
		p.xerrorf("expected atom")
	}
	return s
}

func (p *parser) xnonspace() string {
	s := p.takeWhile(func(b byte) bool { return b != ' ' })
	if s == "" {
		p.xerrorf("expected non-space")
	}
	return s
}

func (p *parser) xnumber64() int64 {
	s := p.takeWhile(func(b byte) bool { return b >= '0' && b <= '9' })
	if s == "" {
		p.xerrorf("expected number")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.xerrorf("parsing number %q: %v", s, err)
	}
	return v
}

func (p *parser) xnumber() uint32 {
	s := p.takeWhile(func(b byte) bool { return b >= '0' && b <= '9' })
	if s == "" {
		p.xerrorf("expected number")
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		p.xerrorf("parsing number %q: %v", s, err)
	}
	return uint32(v)
}

func (p *parser) xnznumber() uint32 {
	v := p.xnumber()
	if v == 0 {
		p.xerrorf("expected non-zero number")
	}
	return v
}

func (p *parser) xquoted() string {
	p.xtake(`"`)
	var r strings.Builder
	for {
		if p.empty() {
			p.xerrorf("unterminated quoted string")
		}
		b := p.s[p.o]
		p.o++
		switch b {
		case '"':
			return r.String()
		case '\\':
			if p.empty() {
				p.xerrorf("unterminated escape")
			}
			b = p.s[p.o]
			p.o++
			if b != '\\' && b != '"' {
				p.xerrorf("invalid escape %q", b)
			}
		case '\r', '\n':
			p.xerrorf("line ending in quoted string")
		}
		r.WriteByte(b)
	}
}

func (p *parser) xliteral() string {
	p.xtake("{")
	size := p.xnumber64()
	p.take("+")
	p.xtake("}\r\n")
	if size > int64(len(p.s)-p.o) {
		p.xerrorf("literal of %d bytes exceeds data", size)
	}
	s := p.s[p.o : p.o+int(size)]
	p.o += int(size)
	return s
}

func (p *parser) xstring() string {
	switch p.peekByte() {
	case '"':
		return p.xquoted()
	case '{':
		return p.xliteral()
	}
	p.xerrorf("expected string")
	panic("not reached")
}

// xnstring returns the empty string for NIL.
func (p *parser) xnstring() string {
	if p.take("NIL") {
		return ""
	}
	return p.xstring()
}

func (p *parser) xastring() string {
	switch p.peekByte() {
	case '"', '{':
		return p.xstring()
	}
	s := p.takeWhile(isAstringChar)
	if s == "" {
		p.xerrorf("expected astring")
	}
	return s
}

func (p *parser) xflag() string {
	if p.take(`\*`) {
		return `\*`
	}
	if p.take(`\`) {
		return `\` + p.xatom()
	}
	return p.xatom()
}

func (p *parser) xflagList() []string {
	p.xtake("(")
	var l []string
	for !p.take(")") {
		if len(l) > 0 {
			p.xspace()
		}
		l = append(l, p.xflag())
	}
	return l
}

func (p *parser) xnumRange() NumRange {
	var r NumRange
	if !p.take("*") {
		r.First = p.xnznumber()
	}
	if p.take(":") {
		var last uint32
		if !p.take("*") {
			last = p.xnznumber()
		}
		r.Last = &last
	}
	return r
}

func (p *parser) xnumSet() NumSet {
	if p.take("$") {
		return NumSet{SearchResult: true}
	}
	var ns NumSet
	for {
		ns.Ranges = append(ns.Ranges, p.xnumRange())
		if !p.take(",") {
			return ns
		}
	}
}

// xskipValue skips a value of a fetch attribute we don't interpret, e.g. an
// envelope or body structure.
func (p *parser) xskipValue() {
	switch p.peekByte() {
	case '(':
		p.o++
		for !p.take(")") {
			if p.empty() {
				p.xerrorf("unterminated list")
			}
			p.take(" ")
			if p.peek(")") {
				continue
			}
			p.xskipValue()
		}
	case '"':
		p.xquoted()
	case '{':
		p.xliteral()
	default:
		s := p.takeWhile(func(b byte) bool { return b != ' ' && b != '(' && b != ')' })
		if s == "" {
			p.xerrorf("expected value")
		}
	}
}

// xcapabilities parses capabilities until end of line or "]".
func (p *parser) xcapabilities() []Capability {
	var l []Capability
	for p.take(" ") {
		l = append(l, Capability(strings.ToUpper(p.xatom())))
	}
	return l
}

// xrespText parses the optional response code and remaining text after a
// status.
func (p *parser) xrespText() (Code, string) {
	var code Code
	if p.take("[") {
		code = p.xrespCode()
		p.xtake("]")
		if !p.take(" ") {
			return code, ""
		}
	}
	text := p.s[p.o:]
	p.o = len(p.s)
	return code, text
}

func (p *parser) xrespCode() Code {
	w := strings.ToUpper(p.xatom())

	switch w {
	case "CAPABILITY":
		return CodeCapability(p.xcapabilities())
	case "PERMANENTFLAGS":
		p.xspace()
		return CodePermanentFlags(p.xflagList())
	case "UIDNEXT":
		p.xspace()
		return CodeUIDNext(p.xnznumber())
	case "UIDVALIDITY":
		p.xspace()
		return CodeUIDValidity(p.xnznumber())
	case "UNSEEN":
		p.xspace()
		return CodeUnseen(p.xnznumber())
	case "APPENDUID":
		// ../rfc/4315:721
		p.xspace()
		c := CodeAppendUID{UIDValidity: p.xnznumber()}
		p.xspace()
		c.UIDs = p.xnumRange()
		return c
	case "COPYUID":
		// ../rfc/4315:725
		p.xspace()
		c := CodeCopyUID{DestUIDValidity: p.xnznumber()}
		p.xspace()
		c.From = p.xnumSet()
		p.xspace()
		c.To = p.xnumSet()
		return c
	}

	var args []string
	for p.take(" ") {
		args = append(args, p.takeWhile(func(b byte) bool { return b != ' ' && b != ']' }))
	}
	if args == nil {
		return CodeWord(w)
	}
	return CodeParams{w, args}
}

func (p *parser) xstatus() Status {
	w := strings.ToUpper(p.xatom())
	switch s := Status(w); s {
	case OK, NO, BAD:
		return s
	}
	p.xerrorf("expected status, got %q", w)
	panic("not reached")
}

func (p *parser) xresult() Result {
	status := p.xstatus()
	if !p.take(" ") {
		// Some servers send no text.
		p.xempty()
		return Result{Status: status}
	}
	code, text := p.xrespText()
	return Result{status, code, text}
}

// xseparator parses a quoted hierarchy delimiter or NIL.
func (p *parser) xseparator() byte {
	if p.take("NIL") {
		return 0
	}
	s := p.xquoted()
	if len(s) != 1 {
		p.xerrorf("separator %q must be single character", s)
	}
	return s[0]
}

func (p *parser) xnamespaces() []NamespaceDescr {
	if p.take("NIL") {
		return nil
	}
	var l []NamespaceDescr
	p.xtake("(")
	for !p.take(")") {
		p.xtake("(")
		var d NamespaceDescr
		d.Prefix = p.xstring()
		p.xspace()
		d.Separator = p.xseparator()
		// Namespace response extensions are skipped. ../rfc/2342:387
		for p.take(" ") {
			p.xskipValue()
		}
		p.xtake(")")
		l = append(l, d)
	}
	return l
}

func (p *parser) xfetchAttrName() string {
	start := p.o
	depth := 0
	for p.o < len(p.s) {
		b := p.s[p.o]
		if b == '[' {
			depth++
		} else if b == ']' {
			depth--
		} else if depth == 0 && (b == ' ' || b == ')') {
			break
		}
		p.o++
	}
	if p.o == start {
		p.xerrorf("expected fetch attribute")
	}
	return strings.ToUpper(p.s[start:p.o])
}

func (p *parser) xfetchAttr() FetchAttr {
	orig := p.o
	name := p.xfetchAttrName()
	p.xspace()
	switch name {
	case "UID":
		return FetchUID(p.xnznumber())
	case "FLAGS":
		return FetchFlags(p.xflagList())
	case "RFC822.SIZE":
		return FetchRFC822Size(p.xnumber64())
	case "RFC822":
		return FetchRFC822(p.xnstring())
	case "INTERNALDATE":
		s := p.xquoted()
		t, err := time.Parse("_2-Jan-2006 15:04:05 -0700", s)
		if err != nil {
			p.xerrorf("parsing internaldate %q: %v", s, err)
		}
		return FetchInternalDate{t}
	}
	if strings.HasPrefix(name, "BODY[") {
		// Name includes optional origin, e.g. BODY[]<0>.
		f := FetchBody{RespAttr: name}
		t := strings.TrimPrefix(name, "BODY[")
		i := strings.LastIndex(t, "]")
		f.Section = t[:i]
		if rest := t[i+1:]; rest != "" {
			if !strings.HasPrefix(rest, "<") || !strings.HasSuffix(rest, ">") {
				p.o = orig
				p.xerrorf("bad origin in fetch attribute %q", name)
			}
			v, err := strconv.ParseInt(rest[1:len(rest)-1], 10, 32)
			if err != nil {
				p.xerrorf("parsing origin in %q: %v", name, err)
			}
			f.Offset = int32(v)
		}
		f.Body = p.xnstring()
		return f
	}
	p.xskipValue()
	return FetchOther(name)
}

// xuntagged parses an untagged response, after "* ".
func (p *parser) xuntagged() Untagged {
	if b := p.peekByte(); b >= '0' && b <= '9' {
		num := p.xnumber()
		p.xspace()
		w := strings.ToUpper(p.xatom())
		switch w {
		case "EXISTS":
			p.xempty()
			return UntaggedExists(num)
		case "RECENT":
			p.xempty()
			return UntaggedRecent(num)
		case "EXPUNGE":
			p.xempty()
			return UntaggedExpunge(num)
		case "FETCH":
			p.xspace()
			f := UntaggedFetch{Seq: num}
			p.xtake("(")
			for !p.take(")") {
				if len(f.Attrs) > 0 {
					p.xspace()
				}
				f.Attrs = append(f.Attrs, p.xfetchAttr())
			}
			p.xempty()
			return f
		}
		p.xerrorf("unknown untagged numbered response %q", w)
	}

	w := strings.ToUpper(p.xatom())
	switch w {
	case "OK", "NO", "BAD":
		p.o -= len(w)
		return UntaggedResult(p.xresult())

	case "PREAUTH":
		var code Code
		var text string
		if p.take(" ") {
			code, text = p.xrespText()
		}
		return UntaggedPreauth{code, text}

	case "BYE":
		var code Code
		var text string
		if p.take(" ") {
			code, text = p.xrespText()
		}
		return UntaggedBye{code, text}

	case "CAPABILITY":
		caps := p.xcapabilities()
		p.xempty()
		return UntaggedCapability(caps)

	case "FLAGS":
		p.xspace()
		flags := p.xflagList()
		p.xempty()
		return UntaggedFlags(flags)

	case "LIST":
		// ../rfc/9051:6690
		p.xspace()
		var l UntaggedList
		l.Flags = p.xflagList()
		p.xspace()
		l.Separator = p.xseparator()
		p.xspace()
		l.Mailbox = p.xastring()
		// Extended data, e.g. CHILDINFO, is ignored.
		return l

	case "SEARCH":
		var nums []uint32
		for p.take(" ") {
			// Trailing space is sent by some servers.
			if p.empty() {
				break
			}
			if p.peek("(") {
				// MODSEQ, from CONDSTORE.
				p.xskipValue()
				continue
			}
			nums = append(nums, p.xnznumber())
		}
		p.xempty()
		return UntaggedSearch(nums)

	case "STATUS":
		// ../rfc/9051:6681
		p.xspace()
		st := UntaggedStatus{Mailbox: p.xastring(), Attrs: map[StatusAttr]int64{}}
		p.xspace()
		p.xtake("(")
		for !p.take(")") {
			if len(st.Attrs) > 0 {
				p.xspace()
			}
			k := StatusAttr(strings.ToUpper(p.xatom()))
			p.xspace()
			st.Attrs[k] = p.xnumber64()
		}
		return st

	case "NAMESPACE":
		// ../rfc/9051:6768
		var ns UntaggedNamespace
		p.xspace()
		ns.Personal = p.xnamespaces()
		p.xspace()
		ns.Other = p.xnamespaces()
		p.xspace()
		ns.Shared = p.xnamespaces()
		p.xempty()
		return ns
	}

	var text string
	if p.take(" ") {
		text = p.s[p.o:]
		p.o = len(p.s)
	}
	return UntaggedOther{w, text}
}

// ParseUntagged parses an untagged response line without CRLF, starting with
// "* ". Literals must be included inline.
//
// Example:
//
//	"* BYE shutting down connection"
func ParseUntagged(s string) (untagged Untagged, rerr error) {
	p := parser{s: s}
	defer p.recover(&rerr)
	p.xtake("* ")
	return p.xuntagged(), nil
}

// ParseResult parses a line, without CRLF, as a command result line.
//
// Example:
//
//	"tag1 OK [APPENDUID 123 10] message added"
func ParseResult(s string) (tag string, result Result, rerr error) {
	p := parser{s: s}
	defer p.recover(&rerr)
	tag = p.xnonspace()
	p.xspace()
	result = p.xresult()
	return
}

// ParseCode parses a response code. The string must not have enclosing brackets.
//
// Example:
//
//	"APPENDUID 123 10"
func ParseCode(s string) (code Code, rerr error) {
	p := parser{s: s}
	defer p.recover(&rerr)
	code = p.xrespCode()
	p.xempty()
	return code, nil
}

// literalSize returns the size of a literal announced at the end of line.
func literalSize(line string) (int64, bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false
	}
	i := strings.LastIndexByte(line, '{')
	if i < 0 {
		return 0, false
	}
	s := strings.TrimSuffix(line[i+1:len(line)-1], "+")
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
