package remote

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/mjl-/imapmirror/imapfake"
	"github.com/mjl-/imapmirror/mlog"
)

func TestLogAccountAttr(t *testing.T) {
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	srv.Append("INBOX", nil, message(1))

	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: mlog.LevelDebug})
	log := mlog.New("remote", slog.New(h))

	a, err := Open(ctxbg, log, testConfig(t, srv))
	tcheckf(t, err, "open account")
	_, err = a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")
	err = a.Close()
	tcheckf(t, err, "close account")

	var sessionLines int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if n := strings.Count(line, "account=mjl"); n > 1 {
			t.Fatalf("account attribute %d times in log line %q", n, line)
		}
		if strings.Contains(line, "session established") {
			sessionLines++
			if !strings.Contains(line, "account=mjl") {
				t.Fatalf("missing account attribute in log line %q", line)
			}
		}
	}
	if sessionLines == 0 {
		t.Fatalf("no session log line, log:\n%s", buf.String())
	}
}
