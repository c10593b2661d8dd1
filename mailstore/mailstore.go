// Package mailstore defines the operations a mail store offers to the
// application, independent of whether the store is a remote IMAP account or
// another kind of store, and the status codes results are reported with.
package mailstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/mirror"
	"github.com/mjl-/imapmirror/session"
	"github.com/mjl-/imapmirror/transport"
)

// Flags is a set of message flags.
type Flags uint16

const (
	FlagSeen Flags = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagForwarded
	FlagJunk
	FlagNotJunk
)

// FlagNames are the IMAP names of the flags, indexed by bit number.
var FlagNames = []string{`\Seen`, `\Answered`, `\Flagged`, `\Deleted`, `\Draft`, "$Forwarded", "$Junk", "$NotJunk"}

// Names returns the IMAP flag names for the flags in f.
func (f Flags) Names() []string {
	var l []string
	for i, name := range FlagNames {
		if f&(1<<i) != 0 {
			l = append(l, name)
		}
	}
	return l
}

func (f Flags) String() string {
	return "(" + strings.Join(f.Names(), " ") + ")"
}

// ParseFlags returns the flags for IMAP flag names. Unknown flags are ignored.
func ParseFlags(names []string) Flags {
	var f Flags
	for _, n := range names {
		for i, name := range FlagNames {
			if strings.EqualFold(n, name) {
				f |= 1 << i
			}
		}
	}
	return f
}

// Folder holds the counts of a folder, as known after an operation.
//
// Unseen is only refreshed by a STATUS check (ScanRequired, or ScanFolder of a
// folder that is not selected) and by ResolveFlags. Synchronizing UIDs with
// OpenFolder does not fetch flags, so after messages were added or removed
// Unseen is the last known count, at most Total.
type Folder struct {
	Path   string
	Total  int
	Unseen int
	UIDs   []uint32 // Ascending.
}

// FolderInfo is a folder as listed on the server.
type FolderInfo struct {
	Path      string
	Separator byte
	NoSelect  bool
}

// Message is a message to add to a folder.
type Message struct {
	Flags    Flags
	Received time.Time // Optional.
	Data     []byte
}

// FlagChange is a requested flag change for a message, from the flags as
// currently known to the requested flags.
type FlagChange struct {
	UID uint32
	Old Flags
	New Flags
}

// Add returns the flags to add.
func (fc FlagChange) Add() Flags {
	return fc.New &^ fc.Old
}

// Remove returns the flags to remove.
func (fc FlagChange) Remove() Flags {
	return fc.Old &^ fc.New
}

// Store is implemented by mail stores.
type Store interface {
	OpenFolder(ctx context.Context, path string) (Folder, error)
	ScanFolder(ctx context.Context, path string) (Folder, error)
	ScanRequired(ctx context.Context, path string) (bool, error)
	ListFolders(ctx context.Context) ([]FolderInfo, error)
	CreateFolder(ctx context.Context, path string) error
	RenameFolder(ctx context.Context, opath, npath string) error
	DeleteFolder(ctx context.Context, path string) error
	FetchMessage(ctx context.Context, path string, uid uint32) ([]byte, error)
	AddMessages(ctx context.Context, path string, msgs []Message) ([]uint32, error)
	CopyMessages(ctx context.Context, src string, uids []uint32, dst string) (map[uint32]uint32, error)
	RemoveMessages(ctx context.Context, path string, uids []uint32) error
	ChangeFlags(ctx context.Context, path string, changes []FlagChange) error
	ResolveFlags(ctx context.Context, path string, uids []uint32) (map[uint32]Flags, error)
	BeginBatch(ctx context.Context, path string) error
	EndBatch(ctx context.Context, path string) error
	Close() error
}

// Status is the result of an operation, as reported to the application.
type Status int

const (
	StatusOK       Status = iota
	StatusSocket          // Connection failed or timed out.
	StatusAuth            // Credentials rejected.
	StatusProtocol        // Unexpected response from server.
	StatusSyntax          // Server reported our command as bad.
	StatusIO              // Local storage failed.
	StatusBusy            // Another operation is in progress, try again later.
	StatusGeneric
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSocket:
		return "socket error"
	case StatusAuth:
		return "authentication failed"
	case StatusProtocol:
		return "protocol error"
	case StatusSyntax:
		return "syntax error"
	case StatusIO:
		return "i/o error"
	case StatusBusy:
		return "busy"
	}
	return "error"
}

// StatusOf returns the status for an error returned by an operation.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, session.ErrBusy):
		return StatusBusy
	case errors.Is(err, session.ErrAuth):
		return StatusAuth
	case errors.Is(err, transport.ErrSocket), errors.Is(err, context.DeadlineExceeded):
		return StatusSocket
	case errors.Is(err, imapclient.ErrProtocol):
		return StatusProtocol
	case errors.Is(err, imapclient.ErrSyntax):
		return StatusSyntax
	case errors.Is(err, mirror.ErrIO):
		return StatusIO
	}
	return StatusGeneric
}
