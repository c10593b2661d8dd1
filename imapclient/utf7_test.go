package imapclient

import (
	"errors"
	"testing"
)

func TestUTF7(t *testing.T) {
	check := func(input string, output string, expErr error) {
		t.Helper()

		r, err := DecodeMailbox(input)
		if r != output {
			t.Fatalf("got %q, expected %q (err %v), for input %q", r, output, err, input)
		}
		if (expErr == nil) != (err == nil) || err != nil && !errors.Is(err, expErr) {
			t.Fatalf("got err %v, expected %v", err, expErr)
		}
		if expErr == nil {
			expInput := EncodeMailbox(output)
			if expInput != input {
				t.Fatalf("encoding, got %s, expected %s", expInput, input)
			}
		}
	}

	check("plain", "plain", nil)
	check("&Jjo-", "☺", nil)
	check("test&Jjo-", "test☺", nil)
	check("&Jjo-test&Jjo-", "☺test☺", nil)
	check("&Jjo-test", "☺test", nil)
	check("&-", "&", nil)
	check("&AGE-", "", errUTF7UnneededShift)
	check("&Jjo", "", errUTF7UnfinishedShift)
	check("&Jjo-&-", "", errUTF7SuperfluousShift)
	check("&〈-", "", errUTF7Base64)
	check("&AGE=-", "", errUTF7Base64)
	check("&AA-", "", errUTF7OddSized)

	// Examples from RFC 3501.
	check("~peter/mail/&U,BTFw-/&ZeVnLIqe-", "~peter/mail/台北/日本語", nil)
	check("&2D3cNw-", "\U0001F437", nil)
}
