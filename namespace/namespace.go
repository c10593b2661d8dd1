// Package namespace discovers the IMAP namespaces of a server and translates
// between local folder paths and server mailbox names.
//
// Local paths always use "/" as hierarchy separator and are unicode. Server
// mailbox names use the separator of the namespace they are in, and are encoded
// in modified UTF-7.
package namespace

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/mlog"
)

// DefaultSeparator is used when no namespace matches a path, or the server did
// not tell us its separator.
const DefaultSeparator = '/'

// Category is the kind of namespace.
type Category int

const (
	Personal Category = iota
	Other             // Other users.
	Shared
)

func (c Category) String() string {
	switch c {
	case Personal:
		return "personal"
	case Other:
		return "other"
	case Shared:
		return "shared"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Entry is a single namespace.
type Entry struct {
	Prefix    string // As sent by the server, e.g. "#shared/" or "".
	Separator byte
	Category  Category
}

// Namespaces holds the namespaces of a server, in order of category (personal,
// other users, shared), and within a category in order of the server response.
type Namespaces struct {
	Entries []Entry
}

// FromResponse returns the namespaces from an untagged NAMESPACE response.
// Entries without separator get the default separator.
func FromResponse(ut imapclient.UntaggedNamespace) Namespaces {
	var ns Namespaces
	add := func(cat Category, l []imapclient.NamespaceDescr) {
		for _, d := range l {
			sep := d.Separator
			if sep == 0 {
				sep = DefaultSeparator
			}
			ns.Entries = append(ns.Entries, Entry{d.Prefix, sep, cat})
		}
	}
	add(Personal, ut.Personal)
	add(Other, ut.Other)
	add(Shared, ut.Shared)
	return ns
}

// Client is the part of an IMAP connection needed for discovery.
type Client interface {
	HasCap(imapclient.Capability) bool
	Namespace() (imapclient.Response, error)
	List(reference, pattern string) (imapclient.Response, error)
}

var _ Client = (*imapclient.Conn)(nil)

// Discover requests the namespaces with the NAMESPACE command if the server
// supports it. Otherwise, or if the command fails, the hierarchy separator is
// requested with a LIST command for the root, resulting in a single personal
// namespace with an empty prefix.
func Discover(log mlog.Log, c Client) (Namespaces, error) {
	if c.HasCap(imapclient.CapNamespace) || c.HasCap(imapclient.CapIMAP4rev2) {
		resp, err := c.Namespace()
		if err == nil {
			ut, err := imapclient.UntaggedResponseGet[imapclient.UntaggedNamespace](resp)
			if err == nil {
				ns := FromResponse(ut)
				log.Debug("namespaces discovered", slog.Any("namespaces", ns.Entries))
				return ns, nil
			}
			log.Debugx("no usable namespace response, falling back to list", err)
		} else if !errors.Is(err, imapclient.ErrSyntax) && !errors.Is(err, imapclient.ErrRejected) {
			return Namespaces{}, err
		} else {
			log.Debugx("namespace command failed, falling back to list", err)
		}
	}

	resp, err := c.List("", "")
	if err != nil {
		return Namespaces{}, err
	}
	var sep byte = DefaultSeparator
	if l := imapclient.UntaggedResponseList[imapclient.UntaggedList](resp); len(l) > 0 && l[0].Separator != 0 {
		sep = l[0].Separator
	}
	log.Debug("separator discovered", slog.String("separator", string(sep)))
	return Namespaces{Entries: []Entry{{"", sep, Personal}}}, nil
}

// InName returns whether the prefix is part of server mailbox names, as
// with prefixes that end with the separator of the namespace, such as
// "INBOX." or "Other Users/". Other prefixes, such as "#shared/" for a
// namespace with separator ".", only exist in local paths, and are removed
// from server names.
func (e Entry) InName() bool {
	return e.Prefix == "" || e.Separator != 0 && strings.HasSuffix(e.Prefix, string(e.Separator))
}

// LocalPrefix returns the prefix as it appears in local paths: for prefixes in
// server names decoded and with "/" as separator, e.g. "INBOX/" for "INBOX.".
func (e Entry) LocalPrefix() string {
	if !e.InName() {
		return e.Prefix
	}
	p, err := imapclient.DecodeMailbox(e.Prefix)
	if err != nil {
		p = e.Prefix
	}
	if e.Separator != '/' {
		p = strings.ReplaceAll(p, string(e.Separator), "/")
	}
	return p
}

// Resolve returns the namespace entry for a local path, matched against the
// local form of the prefixes. The entry with the longest matching prefix wins.
// For equally long prefixes, the first category in order personal, other
// users, shared is used.
func (ns Namespaces) Resolve(localPath string) (Entry, bool) {
	var best Entry
	var bestLen int
	var found bool
	for _, e := range ns.Entries {
		prefix := e.LocalPrefix()
		if !hasPrefix(localPath, prefix) {
			continue
		}
		if !found || len(prefix) > bestLen || len(prefix) == bestLen && e.Category < best.Category {
			best = e
			bestLen = len(prefix)
			found = true
		}
	}
	return best, found
}

// hasPrefix matches the prefix, with a leading INBOX case-insensitive.
func hasPrefix(path, prefix string) bool {
	if strings.HasPrefix(path, prefix) {
		return true
	}
	return len(prefix) >= 5 && len(path) >= len(prefix) && strings.EqualFold(prefix[:5], "INBOX") && strings.EqualFold(path[:len(prefix)], prefix)
}

// Separator returns the hierarchy separator for a local path, the default "/"
// if no namespace matches.
func (ns Namespaces) Separator(localPath string) byte {
	if e, ok := ns.Resolve(localPath); ok {
		return e.Separator
	}
	return DefaultSeparator
}

// Default returns the entry used for names on the server that are not
// associated with a namespace, e.g. from a LIST response: the first personal
// namespace, or an empty prefix with "/" separator.
func (ns Namespaces) Default() Entry {
	for _, e := range ns.Entries {
		if e.Category == Personal {
			return e
		}
	}
	return Entry{"", DefaultSeparator, Personal}
}

// ToServerPath returns the server mailbox name for a local path: "/" is
// replaced with the separator of the matching namespace, the result
// NFC-normalized and encoded as modified UTF-7. A prefix that is not part of
// server names is removed first.
func (ns Namespaces) ToServerPath(localPath string) string {
	e, ok := ns.Resolve(localPath)
	if !ok {
		e = Entry{Separator: DefaultSeparator}
	}
	p := localPath
	if !e.InName() {
		p = p[len(e.Prefix):]
	}
	if e.Separator != '/' {
		p = strings.ReplaceAll(p, "/", string(e.Separator))
	}
	return imapclient.EncodeMailbox(norm.NFC.String(p))
}

// ToLocalPath returns the local path for a server mailbox name in namespace e.
// The name is decoded from modified UTF-7 and the namespace separator replaced
// by "/". A prefix that is not part of server names is added.
func ToLocalPath(serverPath string, e Entry) (string, error) {
	p, err := imapclient.DecodeMailbox(serverPath)
	if err != nil {
		return "", fmt.Errorf("decoding mailbox name %q: %w", serverPath, err)
	}
	if e.Separator != 0 && e.Separator != '/' {
		p = strings.ReplaceAll(p, string(e.Separator), "/")
	}
	if !e.InName() {
		p = e.Prefix + p
	}
	return p, nil
}
