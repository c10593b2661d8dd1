package imapclient

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Mailbox names are sent in "modified UTF-7" (RFC 3501, section 5.1.3):
// printable ASCII except "&" is sent as is, "&" as "&-", other text as UTF-16BE
// in base64 with "," instead of "/", between "&" and "-".

const utf7chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var utf7encoding = base64.NewEncoding(utf7chars).WithPadding(base64.NoPadding)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

var (
	errUTF7SuperfluousShift = errors.New("utf7: superfluous unshift+shift")
	errUTF7Base64           = errors.New("utf7: bad base64")
	errUTF7OddSized         = errors.New("utf7: odd-sized data")
	errUTF7UnneededShift    = errors.New("utf7: unneeded shift")
	errUTF7UnfinishedShift  = errors.New("utf7: unfinished shift")
)

func utf7direct(c rune) bool {
	return c >= 0x20 && c <= 0x7e && c != '&'
}

// EncodeMailbox returns the modified UTF-7 form of a mailbox name.
func EncodeMailbox(s string) string {
	var r strings.Builder
	var pending []rune
	flush := func() {
		if len(pending) == 0 {
			return
		}
		buf, err := utf16be.NewEncoder().Bytes([]byte(string(pending)))
		if err != nil {
			// Cannot happen for valid runes, invalid ones are replaced.
			panic(fmt.Sprintf("utf-16 encode: %v", err))
		}
		r.WriteString("&" + utf7encoding.EncodeToString(buf) + "-")
		pending = nil
	}
	for _, c := range s {
		if utf7direct(c) {
			flush()
			r.WriteRune(c)
		} else if c == '&' {
			flush()
			r.WriteString("&-")
		} else {
			pending = append(pending, c)
		}
	}
	flush()
	return r.String()
}

// DecodeMailbox parses a mailbox name in modified UTF-7.
func DecodeMailbox(s string) (string, error) {
	var r strings.Builder
	var shifted bool
	var b string
	lastunshift := -2

	for i, c := range s {
		if !shifted {
			if c == '&' {
				if lastunshift == i-1 {
					return "", errUTF7SuperfluousShift
				}
				shifted = true
			} else {
				r.WriteRune(c)
			}
			continue
		}

		if c != '-' {
			b += string(c)
			continue
		}

		shifted = false
		lastunshift = i
		if b == "" {
			r.WriteString("&")
			continue
		}
		buf, err := utf7encoding.DecodeString(b)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", errUTF7Base64, b, err)
		}
		b = ""

		if len(buf)%2 != 0 {
			return "", errUTF7OddSized
		}
		text, err := utf16be.NewDecoder().Bytes(buf)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errUTF7Base64, err)
		}

		need := false
		for _, c := range string(text) {
			if !utf7direct(c) {
				need = true
			}
		}
		if !need {
			return "", errUTF7UnneededShift
		}
		r.Write(text)
	}
	if shifted {
		return "", errUTF7UnfinishedShift
	}
	return r.String(), nil
}
