package sasl

import (
	"fmt"
	"testing"
)

func TestCRAMMD5(t *testing.T) {
	// Example from RFC 2195.
	c := NewClientCRAMMD5("tim", "tanstaaftanstaaf")
	toServer, last, err := c.Next(nil)
	if err != nil || last || toServer != nil {
		t.Fatalf("initial response: %v %v %q", err, last, toServer)
	}
	toServer, last, err = c.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !last {
		t.Fatalf("expected last")
	}
	if exp := "tim b913a602c7eda7a495b4e6e7334d3890"; string(toServer) != exp {
		t.Fatalf("got %q, expected %q", toServer, exp)
	}

	// Password never in response.
	if name, cleartext := c.Info(); name != "CRAM-MD5" || cleartext {
		t.Fatalf("bad info %q %v", name, cleartext)
	}

	c = NewClientCRAMMD5("tim", "tanstaaftanstaaf")
	c.Next(nil)
	if _, _, err := c.Next([]byte("no-brackets")); err == nil {
		t.Fatalf("expected error for bad challenge")
	}
}

func TestPlainLogin(t *testing.T) {
	c := NewClientPlain("mjl", "test1234")
	toServer, last, err := c.Next(nil)
	if err != nil || !last || string(toServer) != "\u0000mjl\u0000test1234" {
		t.Fatalf("plain: %v %v %q", err, last, toServer)
	}

	c = NewClientLogin("mjl", "test1234")
	var l []string
	for i := 0; ; i++ {
		toServer, last, err := c.Next([]byte(fmt.Sprintf("prompt%d", i)))
		if err != nil {
			t.Fatalf("login: %v", err)
		}
		l = append(l, string(toServer))
		if last {
			break
		}
	}
	if fmt.Sprint(l) != "[ mjl test1234]" {
		t.Fatalf("got %q", l)
	}
}
