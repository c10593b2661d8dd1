// Package remote implements a mail store backed by an IMAP account, with a
// local mirror of folder state and message bodies.
//
// All operations take the session lock for their duration. An operation that
// finds the lock held fails immediately with session.ErrBusy. Operations are
// typically run in the background with Start, while the application polls
// for or waits on their completion.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/mjl-/imapmirror/async"
	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/mailstore"
	"github.com/mjl-/imapmirror/mirror"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/namespace"
	"github.com/mjl-/imapmirror/session"
)

var (
	// ErrBatchActive is returned by BeginBatch when the folder is already
	// batching, or another folder is batching and batches are exclusive.
	ErrBatchActive = errors.New("flag batch already active")

	// ErrUnknownFolder is returned when the server does not have the folder.
	ErrUnknownFolder = errors.New("unknown folder")

	// ErrUnknownMessage is returned when a message is not in the folder.
	ErrUnknownMessage = errors.New("unknown message")
)

// Defaults for zero Config fields.
const (
	DefaultSetCeiling      = 1000
	DefaultSeenSearchRatio = 0.5
)

// Lowest set ceiling after STORE commands were rejected.
const minSetCeiling = 20

// Config is the configuration of an account.
type Config struct {
	Session session.Config

	// Directory holding the mirrors of all accounts. The mirror of this account is
	// in a subdirectory named after Session.Account.
	DataDir string

	// Maximum length of the UID set in a single batched STORE command.
	SetCeiling int

	// When resolving flags, SEEN messages are searched instead of UNSEEN messages
	// if the fraction of unseen messages is higher than this ratio.
	SeenSearchRatio float64

	// Allow only one folder at a time to batch flag changes.
	ExclusiveBatch bool
}

// Account is an IMAP account with its local mirror.
type Account struct {
	Name string

	cfg    Config
	log    mlog.Log
	sess   *session.Session
	mirror *mirror.Mirror

	// Pending flag changes for batching folders, by local path. Only accessed
	// with the session lock held.
	batches map[string]*batch
}

var _ mailstore.Store = (*Account)(nil)

// Open opens the mirror for the account. No connection is made until an
// operation needs it.
func Open(ctx context.Context, log mlog.Log, cfg Config) (*Account, error) {
	if cfg.SetCeiling <= 0 {
		cfg.SetCeiling = DefaultSetCeiling
	}
	if cfg.SeenSearchRatio <= 0 {
		cfg.SeenSearchRatio = DefaultSeenSearchRatio
	}
	name := cfg.Session.Account
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid account name %q", name)
	}
	alog := log.WithPkg("remote").With(slog.String("account", name))

	m, err := mirror.Open(ctx, alog, cfg.DataDir, name)
	if err != nil {
		return nil, err
	}
	a := &Account{
		Name:    name,
		cfg:     cfg,
		log:     alog,
		sess:    session.New(log, cfg.Session), // Session adds the account attribute.
		mirror:  m,
		batches: map[string]*batch{},
	}

	// Pending batched changes do not survive a restart.
	l, err := m.Folders(ctx)
	if err != nil {
		a.closeMirror()
		return nil, err
	}
	for _, fs := range l {
		if !fs.Batching {
			continue
		}
		a.log.Warn("discarding unfinished flag batch", slog.String("folder", fs.Path))
		fs.Batching = false
		if err := m.Save(ctx, &fs); err != nil {
			a.closeMirror()
			return nil, err
		}
	}
	return a, nil
}

func (a *Account) closeMirror() {
	err := a.mirror.Close()
	a.log.Check(err, "closing mirror")
}

// Mirror returns the local mirror of the account.
func (a *Account) Mirror() *mirror.Mirror {
	return a.mirror
}

// locked runs fn with the session lock held. The context passed to fn carries
// the lock, so nested calls do not try to take it again.
func locked[T any](ctx context.Context, a *Account, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, release, err := a.sess.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return fn(ctx)
}

// Start runs fn in the background with the session lock of the account held,
// and returns the task for retrieving the result. If another operation holds
// the lock, no task is started and session.ErrBusy is returned. Operations of
// the account called by fn with the context it is passed do not take the lock
// again.
func Start[T any](ctx context.Context, a *Account, name string, fn func(ctx context.Context) (T, error)) (*async.Task[T], error) {
	ctx, release, err := a.sess.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return async.Go(ctx, a.log, name, func(ctx context.Context) (T, error) {
		defer release()
		return fn(ctx)
	}), nil
}

// Close logs out and closes the mirror. If an operation is in progress,
// session.ErrBusy is returned.
func (a *Account) Close() error {
	_, err := locked(context.Background(), a, func(ctx context.Context) (struct{}, error) {
		a.sess.Close()
		return struct{}{}, a.mirror.Close()
	})
	return err
}

// serverName returns the mailbox name on the server for a local folder path.
func (a *Account) serverName(ctx context.Context, path string) (string, error) {
	ns, err := a.sess.Namespaces(ctx)
	if err != nil {
		return "", err
	}
	return ns.ToServerPath(path), nil
}

// deselect closes the mailbox if it is selected, e.g. before deleting or
// renaming it.
func (a *Account) deselect(c *imapclient.Conn, name string) error {
	if a.sess.Selected() != name {
		return nil
	}
	var err error
	if c.HasCap(imapclient.CapUnselect) || c.HasCap(imapclient.CapIMAP4rev2) {
		_, err = c.Unselect()
	} else {
		_, err = c.CloseMailbox()
	}
	a.sess.Deselect()
	return a.sess.Failed(err)
}

// ListFolders lists all mailboxes on the server. The hierarchy separator in
// names is replaced with "/".
func (a *Account) ListFolders(ctx context.Context) ([]mailstore.FolderInfo, error) {
	return locked(ctx, a, func(ctx context.Context) ([]mailstore.FolderInfo, error) {
		ns, err := a.sess.Namespaces(ctx)
		if err != nil {
			return nil, err
		}
		c, err := a.sess.Conn(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.List("", "*")
		if err != nil {
			return nil, a.sess.Failed(err)
		}
		var l []mailstore.FolderInfo
		for _, ut := range imapclient.UntaggedResponseList[imapclient.UntaggedList](resp) {
			// LIST returns full names, including any namespace prefix.
			e := ns.Default()
			e.Prefix = ""
			if ut.Separator != 0 {
				e.Separator = ut.Separator
			}
			path, err := namespace.ToLocalPath(ut.Mailbox, e)
			if err != nil {
				a.log.Debugx("skipping mailbox with invalid name", err)
				continue
			}
			fi := mailstore.FolderInfo{Path: path, Separator: ut.Separator}
			for _, f := range ut.Flags {
				if strings.EqualFold(f, `\Noselect`) || strings.EqualFold(f, `\NonExistent`) {
					fi.NoSelect = true
				}
			}
			l = append(l, fi)
		}
		return l, nil
	})
}

// CreateFolder creates a mailbox on the server.
func (a *Account) CreateFolder(ctx context.Context, path string) error {
	_, err := locked(ctx, a, func(ctx context.Context) (struct{}, error) {
		name, err := a.serverName(ctx, path)
		if err != nil {
			return struct{}{}, err
		}
		c, err := a.sess.Conn(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := c.Create(name); err != nil {
			return struct{}{}, a.sess.Failed(err)
		}
		a.log.Info("folder created", slog.String("folder", path))
		return struct{}{}, nil
	})
	return err
}

// RenameFolder renames a mailbox on the server. The mirrored state of both the
// old and new path is dropped.
func (a *Account) RenameFolder(ctx context.Context, opath, npath string) error {
	_, err := locked(ctx, a, func(ctx context.Context) (struct{}, error) {
		oname, err := a.serverName(ctx, opath)
		if err != nil {
			return struct{}{}, err
		}
		nname, err := a.serverName(ctx, npath)
		if err != nil {
			return struct{}{}, err
		}
		c, err := a.sess.Conn(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if err := a.deselect(c, oname); err != nil {
			return struct{}{}, err
		}
		if _, err := c.Rename(oname, nname); err != nil {
			return struct{}{}, a.sess.Failed(err)
		}
		delete(a.batches, opath)
		a.log.Info("folder renamed", slog.String("folder", opath), slog.String("newfolder", npath))
		return struct{}{}, a.mirror.Rename(ctx, opath, npath)
	})
	return err
}

// DeleteFolder removes a mailbox from the server, and its mirrored state.
func (a *Account) DeleteFolder(ctx context.Context, path string) error {
	_, err := locked(ctx, a, func(ctx context.Context) (struct{}, error) {
		name, err := a.serverName(ctx, path)
		if err != nil {
			return struct{}{}, err
		}
		c, err := a.sess.Conn(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if err := a.deselect(c, name); err != nil {
			return struct{}{}, err
		}
		if _, err := c.Delete(name); err != nil {
			return struct{}{}, a.sess.Failed(err)
		}
		delete(a.batches, path)
		a.log.Info("folder deleted", slog.String("folder", path))
		return struct{}{}, a.mirror.Delete(ctx, path)
	})
	return err
}

// ResetFolder clears the mirrored state and bodies of a folder. The next sync
// derives all UIDs again.
func (a *Account) ResetFolder(ctx context.Context, path string) error {
	_, err := locked(ctx, a, func(ctx context.Context) (struct{}, error) {
		fs, err := a.mirror.Folder(ctx, path)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, a.mirror.Reset(ctx, &fs, fs.UIDValidity)
	})
	return err
}
