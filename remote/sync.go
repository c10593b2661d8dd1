package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/mailstore"
	"github.com/mjl-/imapmirror/metrics"
	"github.com/mjl-/imapmirror/mirror"
)

// folder is a folder selected for an operation.
type folder struct {
	c           *imapclient.Conn
	name        string // On server.
	fs          mirror.FolderState
	selectedNow bool // Whether the SELECT was done for this operation.
}

// open selects the folder for path, and loads its mirrored state. If the folder
// was already selected, a NOOP is sent to receive pending changes. If the
// UIDVALIDITY of the mailbox differs from the mirrored state, the mirrored
// state and bodies are cleared.
func (a *Account) open(ctx context.Context, path string) (f folder, rerr error) {
	f.fs, rerr = a.mirror.Folder(ctx, path)
	if rerr != nil {
		return
	}
	f.name, rerr = a.serverName(ctx, path)
	if rerr != nil {
		return
	}

	if a.sess.Selected() == f.name {
		if err := a.sess.Refresh(ctx); err != nil {
			return f, err
		}
	}
	// After a reconnect by Refresh nothing is selected anymore.
	selectedNow, err := a.sess.Select(ctx, f.name, false)
	if err != nil {
		if errors.Is(err, imapclient.ErrRejected) {
			return f, fmt.Errorf("%w: %s: %w", ErrUnknownFolder, path, err)
		}
		return f, err
	}
	f.selectedNow = selectedNow
	f.c, err = a.sess.Conn(ctx)
	if err != nil {
		return f, err
	}

	mb := a.sess.Mailbox()
	if f.fs.UIDValidity != mb.UIDValidity {
		if f.fs.UIDValidity != 0 {
			a.log.Debug("uidvalidity changed, resetting folder",
				slog.String("folder", path),
				slog.Any("olduidvalidity", f.fs.UIDValidity),
				slog.Any("uidvalidity", mb.UIDValidity))
		}
		if err := a.mirror.Reset(ctx, &f.fs, mb.UIDValidity); err != nil {
			return f, err
		}
		// Cached batch groups refer to UIDs of the old generation.
		if b := a.batches[path]; b != nil {
			a.batches[path] = newBatch()
		}
	}
	return f, nil
}

// syncFolder brings the UIDs of the mirrored folder state up to date with the
// server, removing mirrored bodies of messages that no longer exist.
func (a *Account) syncFolder(ctx context.Context, path string) (rfs mirror.FolderState, rerr error) {
	start := time.Now()
	kind := "cached"
	defer func() {
		metrics.SyncObserve(kind, rerr, start)
	}()

	f, err := a.open(ctx, path)
	if err != nil {
		return mirror.FolderState{}, err
	}
	fs := f.fs
	if fs.LastUID == 0 && len(fs.UIDs) == 0 {
		kind = "reset"
	}
	mb := a.sess.Mailbox()
	exists := int(mb.Exists)

	// A just selected mailbox has no pending changes. Whether it was changed since
	// our last sync is visible in UIDNEXT.
	changed := a.sess.ContentChanged() || fs.NeedRescan
	if f.selectedNow {
		changed = changed || fs.UIDNext == 0 || mb.UIDNext != fs.UIDNext
	}

	log := a.log.With(slog.String("folder", path))
	switch {
	case exists == 0:
		kind = "empty"
		fs.Replace(nil)
	case !changed && len(fs.UIDs) == exists:
		log.Debug("folder unchanged", slog.Int("messages", exists))
		a.sess.ClearContentChanged()
		return fs, nil
	default:
		full := len(fs.UIDs) > exists
		if !full {
			if kind != "reset" {
				kind = "incremental"
			}
			uids, err := a.searchUIDs(f.c, fs.LastUID+1)
			if err != nil {
				return mirror.FolderState{}, err
			}
			n := fs.Merge(uids...)
			log.Debug("new messages", slog.Int("count", n), slog.Any("lastuid", fs.LastUID))
			full = len(fs.UIDs) != exists
		}
		if full {
			// Messages were removed, or the counts disagree after an incremental pass.
			kind = "full"
			uids, err := a.searchUIDs(f.c, 1)
			if err != nil {
				return mirror.FolderState{}, err
			}
			fs.Replace(uids)
			if len(fs.UIDs) != int(a.sess.Mailbox().Exists) {
				log.Debug("message count still differs after full pass, mailbox changing concurrently",
					slog.Int("uids", len(fs.UIDs)),
					slog.Any("exists", a.sess.Mailbox().Exists))
			}
		}
	}
	a.sess.ClearContentChanged()

	if _, err := a.mirror.GC(fs); err != nil {
		return mirror.FolderState{}, err
	}
	fs.UIDNext = max(mb.UIDNext, fs.LastUID+1)
	fs.Total = len(fs.UIDs)
	fs.NeedRescan = false
	fs.Synced = time.Now()
	if err := a.mirror.Save(ctx, &fs); err != nil {
		return mirror.FolderState{}, err
	}
	log.Debug("folder synced", slog.String("kind", kind), slog.Int("messages", len(fs.UIDs)), slog.Any("lastuid", fs.LastUID))
	return fs, nil
}

// searchUIDs returns the UIDs of messages with UID from or higher, ascending.
// UID SEARCH is used, falling back to UID FETCH if the server rejects it.
func (a *Account) searchUIDs(c *imapclient.Conn, from uint32) ([]uint32, error) {
	criteria := "all"
	if from > 1 {
		criteria = fmt.Sprintf("uid %d:*", from)
	}
	metrics.IdentityFetchInc()
	resp, err := c.UIDSearch(criteria)
	var uids []uint32
	if err == nil {
		uids = imapclient.SearchUIDs(resp)
	} else if errors.Is(err, imapclient.ErrSyntax) || errors.Is(err, imapclient.ErrRejected) {
		a.log.Debugx("uid search failed, falling back to uid fetch", err)
		metrics.IdentityFetchInc()
		resp, err = c.UIDFetch(fmt.Sprintf("%d:*", max(from, 1)), "(UID)")
		if err != nil {
			return nil, a.sess.Failed(err)
		}
		uids = imapclient.FetchUIDs(resp)
	} else {
		return nil, a.sess.Failed(err)
	}

	// "n:*" matches the highest UID even if it is lower than n.
	l := uids[:0]
	for _, uid := range uids {
		if uid >= from {
			l = append(l, uid)
		}
	}
	return l, nil
}

// folderInfo returns the folder counts for fs. Unseen is not refreshed by
// syncFolder, only by STATUS in scanRequired and by ResolveFlags.
func folderInfo(fs mirror.FolderState) mailstore.Folder {
	return mailstore.Folder{
		Path:   fs.Path,
		Total:  len(fs.UIDs),
		Unseen: min(fs.Unseen, len(fs.UIDs)),
		UIDs:   fs.UIDs,
	}
}

// OpenFolder selects a folder and synchronizes its UIDs.
func (a *Account) OpenFolder(ctx context.Context, path string) (mailstore.Folder, error) {
	return locked(ctx, a, func(ctx context.Context) (mailstore.Folder, error) {
		fs, err := a.syncFolder(ctx, path)
		if err != nil {
			return mailstore.Folder{}, err
		}
		return folderInfo(fs), nil
	})
}

// ScanFolder synchronizes the UIDs of a folder if the server indicates changes,
// otherwise the mirrored state is returned.
func (a *Account) ScanFolder(ctx context.Context, path string) (mailstore.Folder, error) {
	return locked(ctx, a, func(ctx context.Context) (mailstore.Folder, error) {
		required, err := a.scanRequired(ctx, path)
		if err != nil {
			return mailstore.Folder{}, err
		}
		var fs mirror.FolderState
		if required {
			fs, err = a.syncFolder(ctx, path)
		} else {
			fs, err = a.mirror.Folder(ctx, path)
		}
		if err != nil {
			return mailstore.Folder{}, err
		}
		return folderInfo(fs), nil
	})
}

// ScanRequired returns whether the folder changed on the server since it was
// last synchronized.
func (a *Account) ScanRequired(ctx context.Context, path string) (bool, error) {
	return locked(ctx, a, func(ctx context.Context) (bool, error) {
		return a.scanRequired(ctx, path)
	})
}

func (a *Account) scanRequired(ctx context.Context, path string) (bool, error) {
	fs, err := a.mirror.Folder(ctx, path)
	if err != nil {
		return false, err
	}
	if fs.Synced.IsZero() || fs.NeedRescan {
		return true, nil
	}
	name, err := a.serverName(ctx, path)
	if err != nil {
		return false, err
	}

	// For the selected mailbox, pending changes are sent in response to a NOOP.
	// STATUS should not be used on a selected mailbox.
	if a.sess.Selected() == name {
		if err := a.sess.Refresh(ctx); err != nil {
			return false, err
		}
		if a.sess.Selected() == name {
			mb := a.sess.Mailbox()
			return a.sess.ContentChanged() || mb.UIDValidity != fs.UIDValidity || int(mb.Exists) != len(fs.UIDs), nil
		}
	}

	c, err := a.sess.Conn(ctx)
	if err != nil {
		return false, err
	}
	resp, err := c.Status(name, imapclient.StatusMessages, imapclient.StatusUIDNext, imapclient.StatusUIDValidity, imapclient.StatusUnseen)
	if err != nil {
		if errors.Is(err, imapclient.ErrRejected) {
			return false, fmt.Errorf("%w: %s: %w", ErrUnknownFolder, path, err)
		}
		return false, a.sess.Failed(err)
	}
	attrs, err := imapclient.StatusInfo(resp)
	if err != nil {
		return false, a.sess.Failed(err)
	}
	messages := int(attrs[imapclient.StatusMessages])
	uidNext := uint32(attrs[imapclient.StatusUIDNext])
	uidValidity := uint32(attrs[imapclient.StatusUIDValidity])
	required := uidValidity != fs.UIDValidity || messages != len(fs.UIDs) || uidNext != 0 && uidNext != fs.UIDNext

	if unseen, ok := attrs[imapclient.StatusUnseen]; ok && !required {
		fs.Total = messages
		fs.Unseen = int(unseen)
		if err := a.mirror.Save(ctx, &fs); err != nil {
			return false, err
		}
	}
	a.log.Debug("folder status",
		slog.String("folder", path),
		slog.Int("messages", messages),
		slog.Any("uidnext", uidNext),
		slog.Bool("required", required))
	return required, nil
}
