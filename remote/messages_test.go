package remote

import (
	"context"
	"testing"
	"time"

	"github.com/mjl-/imapmirror/async"
	"github.com/mjl-/imapmirror/imapfake"
	"github.com/mjl-/imapmirror/mailstore"
)

func TestFetchMessage(t *testing.T) {
	srv, a := setup(t, nil)
	srv.Append("INBOX", nil, message(0))

	buf, err := a.FetchMessage(ctxbg, "INBOX", 1)
	tcheckf(t, err, "fetch message")
	tcompare(t, string(buf), string(message(0)))
	tcompare(t, srv.Count("uid fetch"), 1)
	// BODY.PEEK does not set \Seen.
	tcompare(t, len(srv.Flags("INBOX", 1)), 0)

	// Second time from the mirror.
	buf, err = a.FetchMessage(ctxbg, "INBOX", 1)
	tcheckf(t, err, "fetch message")
	tcompare(t, string(buf), string(message(0)))
	tcompare(t, srv.Count("uid fetch"), 1)

	_, err = a.FetchMessage(ctxbg, "INBOX", 2)
	terr(t, err, ErrUnknownMessage)
}

func TestAddMessages(t *testing.T) {
	srv, a := setup(t, nil)
	srv.Append("INBOX", nil, message(0))

	f, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1})

	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	uids, err := a.AddMessages(ctxbg, "INBOX", []mailstore.Message{{Flags: mailstore.FlagSeen, Received: received, Data: message(1)}})
	tcheckf(t, err, "add message")
	tcompare(t, uids, []uint32{2})
	uids, err = a.AddMessages(ctxbg, "INBOX", []mailstore.Message{{Data: message(2)}})
	tcheckf(t, err, "add message")
	tcompare(t, uids, []uint32{3})

	state, _ := folderState(t, a, "INBOX")
	tcompare(t, state, []uint32{1, 2, 3})
	tcompare(t, srv.Flags("INBOX", 2), []string{`\Seen`})

	// Body was stored in the mirror, no fetch needed.
	buf, err := a.FetchMessage(ctxbg, "INBOX", 3)
	tcheckf(t, err, "fetch message")
	tcompare(t, string(buf), string(message(2)))
	tcompare(t, srv.Count("uid fetch"), 0)

	f, err = a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1, 2, 3})
}

func TestAddMessagesUnsynced(t *testing.T) {
	_, a := setup(t, nil)

	// Folder was never opened, UIDs are still returned.
	uids, err := a.AddMessages(ctxbg, "INBOX", []mailstore.Message{{Data: message(0)}})
	tcheckf(t, err, "add message")
	tcompare(t, uids, []uint32{1})
	uids, err = a.AddMessages(ctxbg, "INBOX", []mailstore.Message{{Data: message(1)}})
	tcheckf(t, err, "add message")
	tcompare(t, uids, []uint32{2})

	fs, err := a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.NeedRescan, true)

	f, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1, 2})
}

func TestAddMessagesNoUIDPlus(t *testing.T) {
	_, a := setup(t, func(srv *imapfake.Server, cfg *Config) {
		srv.NoUIDPlus = true
	})
	_, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")

	uids, err := a.AddMessages(ctxbg, "INBOX", []mailstore.Message{{Data: message(0)}, {Data: message(1)}})
	tcheckf(t, err, "add messages")
	tcompare(t, uids, []uint32{0, 0})
	fs, err := a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.NeedRescan, true)

	required, err := a.ScanRequired(ctxbg, "INBOX")
	tcheckf(t, err, "scan required")
	tcompare(t, required, true)
	f, err := a.ScanFolder(ctxbg, "INBOX")
	tcheckf(t, err, "scan folder")
	tcompare(t, f.UIDs, []uint32{1, 2})
	fs, err = a.mirror.Folder(ctxbg, "INBOX")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.NeedRescan, false)
}

func TestCopyRemove(t *testing.T) {
	for _, noUIDPlus := range []bool{false, true} {
		t.Run("", func(t *testing.T) {
			srv, a := setup(t, func(srv *imapfake.Server, cfg *Config) {
				srv.NoUIDPlus = noUIDPlus
			})
			for i := 0; i < 3; i++ {
				srv.Append("INBOX", nil, message(i))
			}
			srv.AddMailbox("Archive")

			_, err := a.OpenFolder(ctxbg, "Archive")
			tcheckf(t, err, "open folder")
			_, err = a.OpenFolder(ctxbg, "INBOX")
			tcheckf(t, err, "open folder")
			_, err = a.FetchMessage(ctxbg, "INBOX", 1)
			tcheckf(t, err, "fetch message")

			mapping, err := a.CopyMessages(ctxbg, "INBOX", []uint32{1, 2}, "Archive")
			tcheckf(t, err, "copy messages")
			tcompare(t, srv.UIDs("Archive"), []uint32{1, 2})
			if noUIDPlus {
				tcompare(t, mapping, map[uint32]uint32(nil))
			} else {
				tcompare(t, mapping, map[uint32]uint32{1: 1, 2: 2})
				// Body linked into the destination.
				tcompare(t, a.mirror.HasBody("Archive", 1), true)
				state, _ := folderState(t, a, "Archive")
				tcompare(t, state, []uint32{1, 2})
			}
			f, err := a.OpenFolder(ctxbg, "Archive")
			tcheckf(t, err, "open folder")
			tcompare(t, f.UIDs, []uint32{1, 2})

			_, err = a.CopyMessages(ctxbg, "INBOX", []uint32{1}, "Nonexistent")
			terr(t, err, ErrUnknownFolder)

			err = a.RemoveMessages(ctxbg, "INBOX", []uint32{1, 3})
			tcheckf(t, err, "remove messages")
			tcompare(t, srv.UIDs("INBOX"), []uint32{2})
			state, _ := folderState(t, a, "INBOX")
			tcompare(t, state, []uint32{2})
			tcompare(t, a.mirror.HasBody("INBOX", 1), false)

			srv.ResetCounts()
			f, err = a.OpenFolder(ctxbg, "INBOX")
			tcheckf(t, err, "open folder")
			tcompare(t, f.UIDs, []uint32{2})
			tcompare(t, srv.Count("uid search"), 1)
		})
	}
}

func TestFolders(t *testing.T) {
	srv, a := setup(t, nil)
	srv.Append("INBOX", nil, message(0))

	err := a.CreateFolder(ctxbg, "Archive")
	tcheckf(t, err, "create folder")
	err = a.CreateFolder(ctxbg, "Archive/2024")
	tcheckf(t, err, "create folder")
	err = a.CreateFolder(ctxbg, "Archive")
	tcompare(t, mailstore.StatusOf(err), mailstore.StatusGeneric)

	l, err := a.ListFolders(ctxbg)
	tcheckf(t, err, "list folders")
	tcompare(t, l, []mailstore.FolderInfo{
		{Path: "Archive", Separator: '/'},
		{Path: "Archive/2024", Separator: '/'},
		{Path: "INBOX", Separator: '/'},
	})

	_, err = a.CopyMessages(ctxbg, "INBOX", []uint32{1}, "Archive/2024")
	tcheckf(t, err, "copy message")
	f, err := a.OpenFolder(ctxbg, "Archive/2024")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1})

	// Renaming the selected folder.
	err = a.RenameFolder(ctxbg, "Archive/2024", "Old")
	tcheckf(t, err, "rename folder")
	tcompare(t, srv.Mailboxes(), []string{"Archive", "INBOX", "Old"})
	tcompare(t, srv.Count("unselect"), 1)
	fs, err := a.mirror.Folder(ctxbg, "Archive/2024")
	tcheckf(t, err, "folder state")
	tcompare(t, fs.ID, int64(0))
	f, err = a.OpenFolder(ctxbg, "Old")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1})

	err = a.DeleteFolder(ctxbg, "Old")
	tcheckf(t, err, "delete folder")
	tcompare(t, srv.Mailboxes(), []string{"Archive", "INBOX"})
	l2, err := a.mirror.Folders(ctxbg)
	tcheckf(t, err, "folder states")
	for _, fs := range l2 {
		if fs.Path == "Old" {
			t.Fatalf("folder state still present after delete")
		}
	}

	// Cache reset, the next sync derives the UIDs again.
	_, err = a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")
	err = a.ResetFolder(ctxbg, "INBOX")
	tcheckf(t, err, "reset folder")
	srv.ResetCounts()
	f, err = a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1})
	tcompare(t, srv.Count("uid search"), 1)
}

func TestNamespaceFolders(t *testing.T) {
	srv, a := setup(t, func(srv *imapfake.Server, cfg *Config) {
		srv.Separator = '.'
		srv.Namespace = `(("" ".")) NIL NIL`
	})
	srv.AddMailbox("Archive.2024")
	srv.Append("Archive.2024", nil, message(0))

	f, err := a.OpenFolder(ctxbg, "Archive/2024")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1})
	tcompare(t, srv.Count("namespace"), 1)

	err = a.CreateFolder(ctxbg, "Sent/Grüße")
	tcheckf(t, err, "create folder")
	tcompare(t, srv.Mailboxes(), []string{"Archive.2024", "INBOX", "Sent.Gr&APwA3w-e"})
	l, err := a.ListFolders(ctxbg)
	tcheckf(t, err, "list folders")
	tcompare(t, l, []mailstore.FolderInfo{
		{Path: "Archive/2024", Separator: '.'},
		{Path: "INBOX", Separator: '.'},
		{Path: "Sent/Grüße", Separator: '.'},
	})
}

func TestNamespaceInboxPrefix(t *testing.T) {
	srv, a := setup(t, func(srv *imapfake.Server, cfg *Config) {
		srv.Separator = '.'
		srv.Namespace = `(("INBOX." ".")) NIL NIL`
	})
	srv.AddMailbox("INBOX.Sent")
	srv.Append("INBOX.Sent", nil, message(0))

	l, err := a.ListFolders(ctxbg)
	tcheckf(t, err, "list folders")
	tcompare(t, l, []mailstore.FolderInfo{
		{Path: "INBOX", Separator: '.'},
		{Path: "INBOX/Sent", Separator: '.'},
	})

	// Listed paths can be used for operations.
	f, err := a.OpenFolder(ctxbg, "INBOX/Sent")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1})

	err = a.CreateFolder(ctxbg, "INBOX/Drafts")
	tcheckf(t, err, "create folder")
	tcompare(t, srv.Mailboxes(), []string{"INBOX", "INBOX.Drafts", "INBOX.Sent"})
}

func TestStartCancel(t *testing.T) {
	srv, a := setup(t, nil)
	srv.Append("INBOX", nil, message(0))

	entered, release := srv.Block("select")
	defer release()
	task, err := Start(ctxbg, a, "open", func(ctx context.Context) (mailstore.Folder, error) {
		return a.OpenFolder(ctx, "INBOX")
	})
	tcheckf(t, err, "start")
	<-entered
	task.Cancel()
	release()
	<-task.Done()
	_, err = task.Result()
	terr(t, err, async.ErrCanceled)

	// The account is usable again.
	f, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder")
	tcompare(t, f.UIDs, []uint32{1})
}

func TestStartCancelBlocked(t *testing.T) {
	srv, a := setup(t, nil)
	srv.Append("INBOX", nil, message(0))

	// Server does not respond until released, the canceled task must not wait for
	// the i/o timeout.
	entered, release := srv.Block("select")
	defer release()
	task, err := Start(ctxbg, a, "open", func(ctx context.Context) (mailstore.Folder, error) {
		return a.OpenFolder(ctx, "INBOX")
	})
	tcheckf(t, err, "start")
	<-entered
	task.Cancel()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("canceled task still running")
	}
	_, err = task.Result()
	terr(t, err, async.ErrCanceled)
	release()

	// Lock is released and a new connection is made.
	f, err := a.OpenFolder(ctxbg, "INBOX")
	tcheckf(t, err, "open folder after cancel")
	tcompare(t, f.UIDs, []uint32{1})
}
