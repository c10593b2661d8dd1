package main

import (
	"context"
	"testing"
	"time"

	"github.com/mjl-/imapmirror/dns"
	"github.com/mjl-/imapmirror/imapfake"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/remote"
	"github.com/mjl-/imapmirror/session"
)

func TestSyncer(t *testing.T) {
	log := mlog.New("sync", nil)
	srv := imapfake.NewServer("mjl", "test1234")
	defer srv.Close()
	srv.AddMailbox("Archive")
	srv.Append("INBOX", nil, []byte("Subject: test\r\n\r\ntest\r\n"))

	cfg := remote.Config{
		Session: session.Config{
			Account:           "mjl",
			Host:              dns.Domain{ASCII: "127.0.0.1"},
			Security:          session.SecurityNone,
			Username:          "mjl",
			Password:          "test1234",
			Timeout:           5 * time.Second,
			KeepaliveInterval: -1,
			ReconnectBackoff:  -1,
			Dialer:            srv,
		},
		DataDir: t.TempDir(),
	}
	a, err := remote.Open(context.Background(), log, cfg)
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	defer a.Close()

	s := syncer{log: log, account: a, folders: []string{"INBOX", "Archive", "Nonexistent"}}
	if failed := s.run(context.Background()); failed != 1 {
		t.Fatalf("got %d failed syncs, expected 1", failed)
	}
	if n := srv.Count("select"); n != 3 {
		t.Fatalf("got %d selects, expected 3", n)
	}

	// Repeated syncs until canceled, only scanning unchanged folders.
	srv.ResetCounts()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s = syncer{log: log, account: a, folders: []string{"INBOX"}, scan: true, interval: 100 * time.Millisecond}
	if failed := s.run(ctx); failed != 0 {
		t.Fatalf("got %d failed syncs, expected 0", failed)
	}
	if n := srv.Count("uid search"); n != 0 {
		t.Fatalf("got %d searches for unchanged folder, expected 0", n)
	}
}
