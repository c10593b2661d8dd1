package remote

import (
	"testing"

	"golang.org/x/exp/slices"

	"github.com/mjl-/imapmirror/imapfake"
	"github.com/mjl-/imapmirror/mailstore"
)

func TestMark(t *testing.T) {
	candidates := []uint32{1, 3, 5, 7, 9}
	result := []uint32{2, 3, 4, 9, 10}

	flags := make([]mailstore.Flags, len(candidates))
	mark(flags, candidates, result, mailstore.FlagFlagged, true)
	tcompare(t, flags, []mailstore.Flags{0, mailstore.FlagFlagged, 0, 0, mailstore.FlagFlagged})

	flags = make([]mailstore.Flags, len(candidates))
	mark(flags, candidates, result, mailstore.FlagSeen, false)
	tcompare(t, flags, []mailstore.Flags{mailstore.FlagSeen, 0, mailstore.FlagSeen, mailstore.FlagSeen, 0})

	flags = make([]mailstore.Flags, len(candidates))
	mark(flags, candidates, nil, mailstore.FlagSeen, true)
	tcompare(t, flags, make([]mailstore.Flags, len(candidates)))
}

func TestResolveFlags(t *testing.T) {
	srv, a := setup(t, nil)
	srv.Append("INBOX", []string{`\Seen`}, message(0))
	srv.Append("INBOX", []string{`\Answered`, `\Flagged`}, message(1))
	srv.Append("INBOX", nil, message(2))
	srv.Append("INBOX", []string{`\Seen`, "$Forwarded"}, message(3))

	_, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")

	exp := map[uint32]mailstore.Flags{
		1: mailstore.FlagSeen,
		2: mailstore.FlagAnswered | mailstore.FlagFlagged,
		3: 0,
		4: mailstore.FlagSeen | mailstore.FlagForwarded,
	}

	// No counts known yet, UNSEEN is searched.
	srv.ResetCounts()
	flags, err := a.ResolveFlags(ctxbg, "INBOX", []uint32{4, 3, 2, 1, 2})
	tcheckf(t, err, "resolve flags")
	tcompare(t, flags, exp)
	tcompare(t, srv.Count("uid search"), 4)
	fs, err := a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.Unseen, 2)
	tcompare(t, fs.Total, 4)

	srv.SetFlags("INBOX", 1)
	srv.SetFlags("INBOX", 4, "$Forwarded")
	exp[1] = 0
	exp[4] = mailstore.FlagForwarded
	flags, err = a.ResolveFlags(ctxbg, "INBOX", []uint32{1, 2, 3, 4})
	tcheckf(t, err, "resolve flags")
	tcompare(t, flags, exp)
	fs, err = a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.Unseen, 4)

	// Mostly unseen now, SEEN is searched, with the same outcome.
	flags, err = a.ResolveFlags(ctxbg, "INBOX", []uint32{2})
	tcheckf(t, err, "resolve flags")
	tcompare(t, flags, map[uint32]mailstore.Flags{2: mailstore.FlagAnswered | mailstore.FlagFlagged})
	fs, err = a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.Unseen, 4)

	flags, err = a.ResolveFlags(ctxbg, "INBOX", nil)
	tcheckf(t, err, "resolve flags")
	tcompare(t, flags, map[uint32]mailstore.Flags{})
}

func seen(uid uint32) mailstore.FlagChange {
	return mailstore.FlagChange{UID: uid, New: mailstore.FlagSeen}
}

func TestChangeFlagsImmediate(t *testing.T) {
	srv, a := setup(t, nil)
	for i := 0; i < 3; i++ {
		srv.Append("INBOX", []string{`\Flagged`}, message(i))
	}

	changes := []mailstore.FlagChange{
		seen(1),
		{UID: 2, Old: mailstore.FlagFlagged, New: mailstore.FlagSeen | mailstore.FlagAnswered},
		{UID: 3, Old: mailstore.FlagFlagged, New: mailstore.FlagFlagged},
	}
	err := a.ChangeFlags(ctxbg, "INBOX", changes)
	tcheckf(t, err, "change flags")
	// One store for 1, two for 2, none for 3.
	tcompare(t, srv.Count("uid store"), 3)
	tcompare(t, srv.Flags("INBOX", 1), []string{`\Flagged`, `\Seen`})
	tcompare(t, srv.Flags("INBOX", 2), []string{`\Seen`, `\Answered`})
	tcompare(t, srv.Flags("INBOX", 3), []string{`\Flagged`})
}

func TestBatch(t *testing.T) {
	srv, a := setup(t, nil)
	for i := 0; i < 10; i++ {
		srv.Append("INBOX", nil, message(i))
	}
	srv.AddMailbox("Archive")

	_, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")

	err = a.BeginBatch(ctxbg, "INBOX")
	tcheckf(t, err, "begin batch")
	err = a.BeginBatch(ctxbg, "INBOX")
	terr(t, err, ErrBatchActive)

	// Batches are per folder.
	err = a.BeginBatch(ctxbg, "Archive")
	tcheckf(t, err, "begin batch for other folder")
	err = a.EndBatch(ctxbg, "Archive")
	tcheckf(t, err, "end empty batch")

	srv.ResetCounts()
	for uid := uint32(1); uid <= 10; uid++ {
		if uid == 5 {
			continue
		}
		err := a.ChangeFlags(ctxbg, "INBOX", []mailstore.FlagChange{seen(uid)})
		tcheckf(t, err, "change flags")
	}
	err = a.ChangeFlags(ctxbg, "INBOX", []mailstore.FlagChange{{UID: 5, Old: mailstore.FlagSeen, New: mailstore.FlagFlagged}})
	tcheckf(t, err, "change flags")
	tcompare(t, srv.Count("uid store"), 0)
	fs, err := a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.Batching, true)

	// One store for the 9 messages getting \Seen, one for \Flagged, one for
	// removing \Seen.
	err = a.EndBatch(ctxbg, "INBOX")
	tcheckf(t, err, "end batch")
	tcompare(t, srv.Count("uid store"), 3)
	for uid := uint32(1); uid <= 10; uid++ {
		exp := []string{`\Seen`}
		if uid == 5 {
			exp = []string{`\Flagged`}
		}
		tcompare(t, srv.Flags("INBOX", uid), exp)
	}
	fs, err = a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.Batching, false)

	// Changes are immediate again.
	err = a.ChangeFlags(ctxbg, "INBOX", []mailstore.FlagChange{{UID: 1, Old: mailstore.FlagSeen}})
	tcheckf(t, err, "change flags")
	tcompare(t, srv.Count("uid store"), 4)

	// Ending without active batch is fine.
	err = a.EndBatch(ctxbg, "INBOX")
	tcheckf(t, err, "end batch")
}

func TestBatchExclusive(t *testing.T) {
	srv, a := setup(t, func(srv *imapfake.Server, cfg *Config) {
		cfg.ExclusiveBatch = true
	})
	srv.AddMailbox("Archive")

	err := a.BeginBatch(ctxbg, "INBOX")
	tcheckf(t, err, "begin batch")
	err = a.BeginBatch(ctxbg, "Archive")
	terr(t, err, ErrBatchActive)
	err = a.EndBatch(ctxbg, "INBOX")
	tcheckf(t, err, "end batch")
	err = a.BeginBatch(ctxbg, "Archive")
	tcheckf(t, err, "begin batch after end")
	err = a.EndBatch(ctxbg, "Archive")
	tcheckf(t, err, "end batch")
}

func TestBatchSetCeiling(t *testing.T) {
	srv, a := setup(t, func(srv *imapfake.Server, cfg *Config) {
		srv.MaxStoreSetLength = 50
	})
	for i := 0; i < 60; i++ {
		srv.Append("INBOX", nil, message(i))
	}
	_, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")

	// Odd UIDs 1-59 give set "1,3,...,59" of 84 characters, refused by the server.
	err = a.BeginBatch(ctxbg, "INBOX")
	tcheckf(t, err, "begin batch")
	var odd []uint32
	for uid := uint32(1); uid < 60; uid += 2 {
		odd = append(odd, uid)
		err := a.ChangeFlags(ctxbg, "INBOX", []mailstore.FlagChange{seen(uid)})
		tcheckf(t, err, "change flags")
	}
	srv.ResetCounts()
	err = a.EndBatch(ctxbg, "INBOX")
	tcheckf(t, err, "end batch")

	fs, err := a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.SetCeiling, 42)
	if n := srv.Count("uid store"); n < 3 {
		t.Fatalf("got %d stores, expected at least 3", n)
	}
	for uid := uint32(1); uid <= 60; uid++ {
		tcompare(t, len(srv.Flags("INBOX", uid)) == 1, slices.Contains(odd, uid))
	}
}

func TestBatchNetChange(t *testing.T) {
	srv, a := setup(t, nil)
	srv.Append("INBOX", []string{`\Seen`}, message(0))
	srv.Append("INBOX", nil, message(1))

	_, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")
	err = a.BeginBatch(ctxbg, "INBOX")
	tcheckf(t, err, "begin batch")

	// Last change of a flag wins, regardless of the order of STORE commands.
	changes := []mailstore.FlagChange{
		{UID: 1, Old: mailstore.FlagSeen},
		{UID: 1, New: mailstore.FlagSeen},
		{UID: 2, New: mailstore.FlagFlagged},
		{UID: 2, Old: mailstore.FlagFlagged},
	}
	for _, fc := range changes {
		err := a.ChangeFlags(ctxbg, "INBOX", []mailstore.FlagChange{fc})
		tcheckf(t, err, "change flags")
	}
	srv.ResetCounts()
	err = a.EndBatch(ctxbg, "INBOX")
	tcheckf(t, err, "end batch")
	tcompare(t, srv.Flags("INBOX", 1), []string{`\Seen`})
	if l := srv.Flags("INBOX", 2); len(l) != 0 {
		t.Fatalf("got flags %v for message 2, expected none", l)
	}
	tcompare(t, srv.Count("uid store"), 2)
}
