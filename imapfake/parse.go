package imapfake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errSyntax = errors.New("syntax error")

// syntaxError is raised with panic for malformed commands, and results in a BAD
// response.
type syntaxError struct{ err error }

func xsyntaxErrorf(format string, args ...any) {
	panic(syntaxError{fmt.Errorf("%w: %s", errSyntax, fmt.Sprintf(format, args...))})
}

// userError results in a NO response, with optional response code.
type userError struct {
	code string
	err  error
}

func xuserErrorf(format string, args ...any) {
	panic(userError{err: fmt.Errorf(format, args...)})
}

func xusercodeErrorf(code, format string, args ...any) {
	panic(userError{code: code, err: fmt.Errorf(format, args...)})
}

// tokenize splits a command line, with literal data inline, into strings and
// lists. Atoms with brackets, like BODY.PEEK[HEADER.FIELDS (TO)], are kept
// whole.
func tokenize(s string) []any {
	o := 0
	l, o := tokenList(s, o, false)
	if o != len(s) {
		xsyntaxErrorf("leftover data %q", s[o:])
	}
	return l
}

func tokenList(s string, o int, nested bool) ([]any, int) {
	var l []any
	for {
		for o < len(s) && s[o] == ' ' {
			o++
		}
		if o == len(s) {
			if nested {
				xsyntaxErrorf("unterminated list")
			}
			return l, o
		}
		switch s[o] {
		case ')':
			if !nested {
				xsyntaxErrorf("unexpected close paren")
			}
			return l, o + 1
		case '(':
			var sub []any
			sub, o = tokenList(s, o+1, true)
			if sub == nil {
				sub = []any{}
			}
			l = append(l, sub)
		case '"':
			var b strings.Builder
			o++
			for {
				if o >= len(s) {
					xsyntaxErrorf("unterminated quoted string")
				}
				c := s[o]
				o++
				if c == '"' {
					break
				}
				if c == '\\' && o < len(s) {
					c = s[o]
					o++
				}
				b.WriteByte(c)
			}
			l = append(l, b.String())
		case '{':
			e := strings.Index(s[o:], "}\r\n")
			if e < 0 {
				xsyntaxErrorf("bad literal")
			}
			size, err := strconv.Atoi(strings.TrimSuffix(s[o+1:o+e], "+"))
			if err != nil || o+e+3+size > len(s) {
				xsyntaxErrorf("bad literal size")
			}
			o += e + 3
			l = append(l, s[o:o+size])
			o += size
		default:
			start := o
			depth := 0
			for o < len(s) {
				c := s[o]
				if c == '[' {
					depth++
				} else if c == ']' {
					depth--
				} else if depth == 0 && (c == ' ' || c == ')' || c == '(') {
					break
				}
				o++
			}
			l = append(l, s[start:o])
		}
	}
}

// literalSize returns the size of a literal at the end of a command line, and
// whether it is non-synchronizing.
func literalSize(line string) (int, bool, bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false, false
	}
	i := strings.LastIndexByte(line, '{')
	if i < 0 {
		return 0, false, false
	}
	s := line[i+1 : len(line)-1]
	nonsync := strings.HasSuffix(s, "+")
	v, err := strconv.Atoi(strings.TrimSuffix(s, "+"))
	if err != nil || v < 0 {
		return 0, false, false
	}
	return v, nonsync, true
}

func xstring(t any) string {
	s, ok := t.(string)
	if !ok {
		xsyntaxErrorf("expected string, got list")
	}
	return s
}

// xflags returns the flags from a list or single flag.
func xflags(t any) []string {
	switch x := t.(type) {
	case string:
		return []string{x}
	case []any:
		l := make([]string, len(x))
		for i, e := range x {
			l[i] = xstring(e)
		}
		return l
	}
	panic("not reached")
}
