package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/session"
)

var pkglog = mlog.New("config", nil)

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

const testConf = `DataDir: data
LogLevel: info
PackageLogLevels:
	transport: trace
Accounts:
	mjl:
		Host: imap.ελλάδα.example
		Security: starttls
		Username: mjl
		PasswordFile: password.txt
		Timeout: 30s
		BatchSetCeiling: 200
		Folders:
			- INBOX
			- Archive/2024
	tunnel:
		TunnelCommand: ssh mail.example.org /usr/lib/dovecot/imap
		ExclusiveBatch: true
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "imapmirror.conf")
	err := os.WriteFile(p, []byte(testConf), 0660)
	tcheckf(t, err, "write config")
	err = os.WriteFile(filepath.Join(dir, "password.txt"), []byte("test1234\nignored\n"), 0660)
	tcheckf(t, err, "write password file")

	c, errs := Load(pkglog, p)
	if len(errs) > 0 {
		t.Fatalf("load config: %v", errs)
	}
	tcompare(t, c.Log, map[string]slog.Level{"": slog.LevelInfo, "transport": mlog.LevelTrace})

	rc := c.Accounts["mjl"]
	tcompare(t, rc.DataDir, filepath.Join(dir, "data"))
	tcompare(t, rc.SetCeiling, 200)
	tcompare(t, rc.Session.Account, "mjl")
	tcompare(t, rc.Session.Host.ASCII, "imap.xn--hxakic4aa.example")
	tcompare(t, rc.Session.Security, session.SecurityStartTLS)
	tcompare(t, rc.Session.Password, "test1234")
	tcompare(t, rc.Session.Timeout, 30*time.Second)
	tcompare(t, rc.Session.TLSConfig.ServerName, "imap.xn--hxakic4aa.example")
	tcompare(t, c.Folders("mjl"), []string{"INBOX", "Archive/2024"})

	rc = c.Accounts["tunnel"]
	tcompare(t, rc.Session.TunnelCommand, "ssh mail.example.org /usr/lib/dovecot/imap")
	tcompare(t, rc.ExclusiveBatch, true)
	tcompare(t, c.Folders("tunnel"), []string{"INBOX"})

	_, errs = Load(pkglog, filepath.Join(dir, "missing.conf"))
	tcompare(t, len(errs), 1)
}

func TestLoadErrors(t *testing.T) {
	test := func(conf string, expErrs int) {
		t.Helper()
		_, errs := parse(pkglog, "test.conf", strings.NewReader(conf))
		if len(errs) != expErrs {
			t.Fatalf("got errors %v, expected %d", errs, expErrs)
		}
	}

	test("DataDir: data\nLogLevel: info\nAccounts:\n\tx:\n\t\tHost: localhost\n\t\tUsername: x\n\t\tPassword: x\n", 0)
	test("DataDir: data\nLogLevel: bogus\nAccounts:\n\tx:\n\t\tHost: localhost\n\t\tUsername: x\n\t\tPassword: x\n", 1)
	test("DataDir: data\nLogLevel: info\nAccounts:\n\tx:\n\t\tHost: localhost\n\t\tSecurity: ssl\n\t\tAuth: digest-md5\n\t\tUsername: x\n\t\tPassword: x\n", 2)
	test("DataDir: data\nLogLevel: info\nAccounts:\n\tx:\n\t\tUsername: x\n", 2)
	test("DataDir: data\nLogLevel: info\nAccounts:\n\t.x:\n\t\tHost: localhost\n\t\tUsername: x\n\t\tPassword: x\n", 1)
	test("DataDir: data\nLogLevel: info\nAccounts:\n\tx:\n\t\tHost: localhost\n\t\tUsername: x\n\t\tPassword: x\n\t\tBatchSetCeiling: 10\n\t\tSeenSearchRatio: 2\n\t\tFolders:\n\t\t\t- /a\n", 3)
	// Unknown field.
	test("DataDir: data\nLogLevel: info\nBogus: 1\nAccounts:\n\tx:\n\t\tHost: localhost\n", 1)
}

// The documented example config must be parsable, and match the config
// definitions.
func TestDescribe(t *testing.T) {
	var b strings.Builder
	err := sconf.Describe(&b, &Static{Accounts: map[string]Account{"x": {}}})
	tcheckf(t, err, "describe")
	if !strings.Contains(b.String(), "BatchSetCeiling") {
		t.Fatalf("describe output is missing account fields:\n%s", b.String())
	}
}
