package namespace

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/imapfake"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/transport"
)

var ctxbg = context.Background()
var pkglog = mlog.New("namespace", nil)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func TestResolve(t *testing.T) {
	ns := Namespaces{Entries: []Entry{
		{"", '/', Personal},
		{"#shared/", '.', Shared},
	}}

	e, ok := ns.Resolve("#shared/foo/bar")
	tcompare(t, ok, true)
	tcompare(t, e, Entry{"#shared/", '.', Shared})
	tcompare(t, ns.Separator("#shared/foo/bar"), byte('.'))
	tcompare(t, ns.ToServerPath("#shared/foo/bar"), "foo.bar")

	tcompare(t, ns.Separator("INBOX/sub"), byte('/'))
	tcompare(t, ns.ToServerPath("INBOX/sub"), "INBOX/sub")

	p, err := ToLocalPath("foo.bar", e)
	tcheckf(t, err, "to local path")
	tcompare(t, p, "#shared/foo/bar")

	// No entries, default separator.
	tcompare(t, Namespaces{}.Separator("a/b"), byte('/'))
	tcompare(t, Namespaces{}.ToServerPath("a/b"), "a/b")
	_, ok = Namespaces{}.Resolve("a")
	tcompare(t, ok, false)
}

func TestResolveTieBreak(t *testing.T) {
	// Same prefix length in different categories, personal wins over shared
	// regardless of order.
	ns := Namespaces{Entries: []Entry{
		{"#x/", '.', Shared},
		{"#y/", ':', Other},
		{"#x/", '/', Personal},
	}}
	tcompare(t, ns.Separator("#x/a"), byte('/'))
	tcompare(t, ns.Separator("#y/a"), byte(':'))

	// Longest prefix wins over category.
	ns = Namespaces{Entries: []Entry{
		{"INBOX.", '.', Personal},
		{"INBOX.shared.", '.', Shared},
	}}
	e, _ := ns.Resolve("INBOX/shared/x")
	tcompare(t, e.Category, Shared)
	e, _ = ns.Resolve("inbox/x")
	tcompare(t, e.Category, Personal)
}

func TestPrefixInName(t *testing.T) {
	// Courier-style, all personal mailboxes are below INBOX.
	ns := Namespaces{Entries: []Entry{{"INBOX.", '.', Personal}}}
	e := ns.Entries[0]
	tcompare(t, e.InName(), true)
	tcompare(t, e.LocalPrefix(), "INBOX/")

	tcompare(t, ns.Separator("INBOX/Sent"), byte('.'))
	tcompare(t, ns.ToServerPath("INBOX/Sent"), "INBOX.Sent")
	tcompare(t, ns.ToServerPath("INBOX/Archive/2024"), "INBOX.Archive.2024")
	tcompare(t, ns.ToServerPath("INBOX"), "INBOX")
	for _, name := range []string{"INBOX.Sent", "INBOX.Drafts", "INBOX.Archive.2024", "INBOX.Entw&APw-rfe"} {
		lp, err := ToLocalPath(name, e)
		tcheckf(t, err, "to local path")
		tcompare(t, ns.ToServerPath(lp), name)
	}
	lp, err := ToLocalPath("INBOX.Sent", e)
	tcheckf(t, err, "to local path")
	tcompare(t, lp, "INBOX/Sent")

	// Other users with the prefix in names.
	ns = Namespaces{Entries: []Entry{{"", '/', Personal}, {"Other Users/", '/', Other}}}
	tcompare(t, ns.ToServerPath("Other Users/joe/INBOX"), "Other Users/joe/INBOX")

	// Local-only prefix is removed.
	e = Entry{"#shared/", '.', Shared}
	tcompare(t, e.InName(), false)
	tcompare(t, e.LocalPrefix(), "#shared/")
}

func TestServerPathEncoding(t *testing.T) {
	ns := Namespaces{Entries: []Entry{{"", '.', Personal}}}

	// Decomposed ü is normalized before encoding.
	tcompare(t, ns.ToServerPath("Archiv/Gru\u0308ße"), "Archiv.Gr&APwA3w-e")
	tcompare(t, ns.ToServerPath("a&b"), "a&-b")

	p, err := ToLocalPath("Archiv.Gr&APwA3w-e", ns.Default())
	tcheckf(t, err, "to local path")
	tcompare(t, p, "Archiv/Grüße")

	_, err = ToLocalPath("bad&AB", ns.Default())
	if err == nil {
		t.Fatalf("decoding bad mailbox name succeeded")
	}
}

func TestRoundtrip(t *testing.T) {
	ns := Namespaces{Entries: []Entry{
		{"", '/', Personal},
		{"Other Users/", '/', Other},
		{"#shared/", '.', Shared},
	}}
	for _, p := range []string{"INBOX", "a/b/c", "#shared/x/y", "Other Users/joe/INBOX", "Entwürfe"} {
		e, _ := ns.Resolve(p)
		lp, err := ToLocalPath(ns.ToServerPath(p), e)
		tcheckf(t, err, "to local path")
		tcompare(t, lp, p)
	}
}

func dial(t *testing.T, srv *imapfake.Server) *imapclient.Conn {
	t.Helper()
	nc, err := srv.DialContext(ctxbg, "tcp", "fake")
	tcheckf(t, err, "dial")
	c, err := imapclient.New(transport.New(nc, pkglog, 5*time.Second), nil)
	tcheckf(t, err, "new client")
	_, err = c.Login(srv.Username, srv.Password)
	tcheckf(t, err, "login")
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDiscover(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	srv.Namespace = `(("" "/")) NIL (("#shared/" "."))`
	defer srv.Close()

	c := dial(t, srv)
	ns, err := Discover(pkglog, c)
	tcheckf(t, err, "discover")
	tcompare(t, ns, Namespaces{Entries: []Entry{{"", '/', Personal}, {"#shared/", '.', Shared}}})
	tcompare(t, srv.Count("namespace"), 1)
	tcompare(t, srv.Count("list"), 0)
}

func TestDiscoverFallback(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	srv.Separator = '.'
	defer srv.Close()

	c := dial(t, srv)
	ns, err := Discover(pkglog, c)
	tcheckf(t, err, "discover")
	tcompare(t, ns, Namespaces{Entries: []Entry{{"", '.', Personal}}})
	tcompare(t, srv.Count("namespace"), 0)
	tcompare(t, srv.Count("list"), 1)
	tcompare(t, ns.ToServerPath("a/b"), "a.b")
}
