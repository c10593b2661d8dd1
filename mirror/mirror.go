// Package mirror stores the local mirror of remote folders: per folder the
// synchronization state in a database, and message bodies as files.
//
// Files are stored as:
//
//	<root>/<account>/index.db
//	<root>/<account>/msg/<folder>/<uid>
//
// The folder directory name is the local folder path, escaped to a single path
// element.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/bstore"
	"golang.org/x/exp/slices"

	"github.com/mjl-/imapmirror/mlog"
)

// ErrIO is returned for failures of local disk or database operations.
var ErrIO = errors.New("local storage error")

// FolderState is the mirrored state of a remote folder.
type FolderState struct {
	ID   int64
	Path string `bstore:"nonzero,unique"` // Local path, e.g. "INBOX" or "Archive/2024".

	UIDValidity uint32
	UIDNext     uint32 // As reported by the server at last SELECT or STATUS.

	// Highest UID ever merged into UIDs since the last reset. Not lowered when
	// messages are removed, so searching for new messages starts after it.
	LastUID uint32

	UIDs []uint32 // Known live UIDs, ascending, no duplicates.

	// Message counts at last STATUS or flag resolution, for choosing whether to
	// search for seen or unseen messages.
	Total  int
	Unseen int

	Batching   bool // Flag changes are grouped until the batch ends.
	NeedRescan bool // Messages were added without learning their UID.

	// Maximum length of UID sets in grouped flag changes, 0 for the default.
	// Lowered when the server rejects long commands.
	SetCeiling int

	Synced time.Time // Last successful sync.
}

// DBTypes are the types stored in the mirror database.
var DBTypes = []any{FolderState{}}

// Has returns whether uid is in the known UIDs.
func (fs *FolderState) Has(uid uint32) bool {
	_, ok := slices.BinarySearch(fs.UIDs, uid)
	return ok
}

// Merge adds uids to the known UIDs and advances LastUID. It returns the
// number of UIDs that were new.
func (fs *FolderState) Merge(uids ...uint32) int {
	n := len(fs.UIDs)
	l := append(slices.Clone(fs.UIDs), uids...)
	slices.Sort(l)
	fs.UIDs = slices.Compact(l)
	if len(fs.UIDs) > 0 && fs.UIDs[len(fs.UIDs)-1] > fs.LastUID {
		fs.LastUID = fs.UIDs[len(fs.UIDs)-1]
	}
	return len(fs.UIDs) - n
}

// Remove removes uids from the known UIDs.
func (fs *FolderState) Remove(uids ...uint32) {
	fs.UIDs = slices.DeleteFunc(slices.Clone(fs.UIDs), func(uid uint32) bool {
		return slices.Contains(uids, uid)
	})
}

// Replace sets the known UIDs to uids.
func (fs *FolderState) Replace(uids []uint32) {
	fs.UIDs = nil
	fs.Merge(uids...)
}

// Clear resets the state for a new UIDVALIDITY.
func (fs *FolderState) Clear(uidValidity uint32) {
	fs.UIDValidity = uidValidity
	fs.UIDNext = 0
	fs.LastUID = 0
	fs.UIDs = nil
	fs.Total = 0
	fs.Unseen = 0
	fs.NeedRescan = false
}

// Mirror is the local mirror of a single account.
type Mirror struct {
	Dir string

	log mlog.Log
	db  *bstore.DB
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// Open opens the mirror for account under root, creating it if needed.
func Open(ctx context.Context, log mlog.Log, root, account string) (*Mirror, error) {
	dir := filepath.Join(root, account)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, ioErr("creating account directory", err)
	}
	dbpath := filepath.Join(dir, "index.db")
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: log.Logger}
	db, err := bstore.Open(ctx, dbpath, &opts, DBTypes...)
	if err != nil {
		return nil, ioErr("opening database", err)
	}
	return &Mirror{Dir: dir, log: log, db: db}, nil
}

// Close closes the database.
func (m *Mirror) Close() error {
	if err := m.db.Close(); err != nil {
		return ioErr("closing database", err)
	}
	return nil
}

// Folder returns the state for a folder. If no state exists yet, a zero state
// with Path set is returned, which is stored on first Save.
func (m *Mirror) Folder(ctx context.Context, path string) (FolderState, error) {
	fs, err := bstore.QueryDB[FolderState](ctx, m.db).FilterNonzero(FolderState{Path: path}).Get()
	if err == bstore.ErrAbsent {
		return FolderState{Path: path}, nil
	} else if err != nil {
		return FolderState{}, ioErr("get folder state", err)
	}
	return fs, nil
}

// Folders returns the states of all folders, sorted by path.
func (m *Mirror) Folders(ctx context.Context) ([]FolderState, error) {
	l, err := bstore.QueryDB[FolderState](ctx, m.db).SortAsc("Path").List()
	if err != nil {
		return nil, ioErr("list folder states", err)
	}
	return l, nil
}

// Save stores fs, inserting it if it is new.
func (m *Mirror) Save(ctx context.Context, fs *FolderState) error {
	var err error
	if fs.ID == 0 {
		err = m.db.Insert(ctx, fs)
	} else {
		err = m.db.Update(ctx, fs)
	}
	if err != nil {
		return ioErr("save folder state", err)
	}
	return nil
}

// Reset clears the state of a folder for a new UIDVALIDITY and removes all its
// mirrored bodies, as one step: the new state is only committed if the bodies
// were removed.
func (m *Mirror) Reset(ctx context.Context, fs *FolderState, uidValidity uint32) error {
	nfs := *fs
	nfs.Clear(uidValidity)
	err := m.db.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		if nfs.ID == 0 {
			err = tx.Insert(&nfs)
		} else {
			err = tx.Update(&nfs)
		}
		if err != nil {
			return err
		}
		return os.RemoveAll(m.folderDir(fs.Path))
	})
	if err != nil {
		return ioErr("reset folder", err)
	}
	m.log.Debug("folder reset", slog.String("folder", fs.Path), slog.Any("olduidvalidity", fs.UIDValidity), slog.Any("uidvalidity", uidValidity))
	*fs = nfs
	return nil
}

// Delete removes the state and bodies of a folder.
func (m *Mirror) Delete(ctx context.Context, path string) error {
	err := m.db.Write(ctx, func(tx *bstore.Tx) error {
		_, err := bstore.QueryTx[FolderState](tx).FilterNonzero(FolderState{Path: path}).Delete()
		if err != nil {
			return err
		}
		return os.RemoveAll(m.folderDir(path))
	})
	if err != nil {
		return ioErr("delete folder", err)
	}
	return nil
}

// Rename moves the state and bodies of a folder to a new path. The mirrored
// state is cleared, a renamed mailbox gets a new UIDVALIDITY on most servers.
func (m *Mirror) Rename(ctx context.Context, opath, npath string) error {
	err := m.db.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := bstore.QueryTx[FolderState](tx).FilterNonzero(FolderState{Path: opath}).Delete(); err != nil {
			return err
		}
		if _, err := bstore.QueryTx[FolderState](tx).FilterNonzero(FolderState{Path: npath}).Delete(); err != nil {
			return err
		}
		if err := os.RemoveAll(m.folderDir(npath)); err != nil {
			return err
		}
		return os.RemoveAll(m.folderDir(opath))
	})
	if err != nil {
		return ioErr("rename folder", err)
	}
	return nil
}

// folderDir returns the directory for bodies of a folder. The path is escaped
// so it is a single path element.
func (m *Mirror) folderDir(path string) string {
	name := url.PathEscape(path)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return filepath.Join(m.Dir, "msg", name)
}

// BodyPath returns the file name for a message body.
func (m *Mirror) BodyPath(folder string, uid uint32) string {
	return filepath.Join(m.folderDir(folder), strconv.FormatUint(uint64(uid), 10))
}

// HasBody returns whether a body is present for the message.
func (m *Mirror) HasBody(folder string, uid uint32) bool {
	_, err := os.Stat(m.BodyPath(folder, uid))
	return err == nil
}

// ReadBody returns the mirrored body of a message. If absent, the error
// matches os.ErrNotExist.
func (m *Mirror) ReadBody(folder string, uid uint32) ([]byte, error) {
	buf, err := os.ReadFile(m.BodyPath(folder, uid))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, ioErr("read body", err)
	}
	return buf, err
}

// WriteBody stores a message body, replacing an existing body.
func (m *Mirror) WriteBody(folder string, uid uint32, data []byte) error {
	dir := m.folderDir(folder)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return ioErr("create folder directory", err)
	}
	p := m.BodyPath(folder, uid)
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return ioErr("create temp file", err)
	}
	tmp := f.Name()
	defer func() {
		if tmp != "" {
			err := os.Remove(tmp)
			m.log.Check(err, "removing temp file after error", slog.String("path", tmp))
		}
	}()
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if xerr := f.Close(); err == nil {
		err = xerr
	}
	if err != nil {
		return ioErr("write body", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return ioErr("rename body", err)
	}
	tmp = ""
	if err := syncDir(m.log, dir); err != nil {
		return ioErr("sync folder directory", err)
	}
	return nil
}

// CopyBody makes the body of a message available under another folder and
// UID, with a hard link if possible. A missing source body is not an error.
func (m *Mirror) CopyBody(srcFolder string, srcUID uint32, dstFolder string, dstUID uint32) error {
	src := m.BodyPath(srcFolder, srcUID)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	dir := m.folderDir(dstFolder)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return ioErr("create folder directory", err)
	}
	dst := m.BodyPath(dstFolder, dstUID)
	os.Remove(dst)
	if err := linkOrCopy(m.log, dst, src, true); err != nil {
		return ioErr("copy body", err)
	}
	return nil
}

// RemoveBodies removes the bodies of messages, if present.
func (m *Mirror) RemoveBodies(folder string, uids ...uint32) error {
	for _, uid := range uids {
		if err := os.Remove(m.BodyPath(folder, uid)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ioErr("remove body", err)
		}
	}
	return nil
}

// BodyUIDs returns the UIDs of all mirrored bodies of a folder, ascending.
func (m *Mirror) BodyUIDs(folder string) ([]uint32, error) {
	entries, err := os.ReadDir(m.folderDir(folder))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, ioErr("list bodies", err)
	}
	var uids []uint32
	for _, e := range entries {
		v, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil || v == 0 {
			continue
		}
		uids = append(uids, uint32(v))
	}
	slices.Sort(uids)
	return uids, nil
}

// GC removes mirrored bodies of messages that are not in fs.UIDs. It returns
// the removed UIDs.
func (m *Mirror) GC(fs FolderState) ([]uint32, error) {
	uids, err := m.BodyUIDs(fs.Path)
	if err != nil {
		return nil, err
	}
	var removed []uint32
	for _, uid := range uids {
		if !fs.Has(uid) {
			removed = append(removed, uid)
		}
	}
	if err := m.RemoveBodies(fs.Path, removed...); err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		m.log.Debug("removed stale bodies", slog.String("folder", fs.Path), slog.Int("count", len(removed)))
	}
	return removed, nil
}
