package imapclient

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/mjl-/imapmirror/metrics"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/sasl"
)

// Capability writes the IMAP4 "CAPABILITY" command, requesting a list of
// capabilities from the server. They are returned in an UntaggedCapability
// response. The server also sends capabilities in initial server greeting, in the
// response code.
func (c *Conn) Capability() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("capability")
}

// Noop writes the IMAP4 "NOOP" command, which does nothing on its own, but a
// server will return any pending untagged responses for new message delivery and
// changes to mailboxes.
func (c *Conn) Noop() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("noop")
}

// Logout ends the IMAP4 session by writing an IMAP "LOGOUT" command. [Conn.Close]
// must still be called on this client to close the socket.
func (c *Conn) Logout() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("logout")
}

// StartTLS enables TLS on the connection with the IMAP4 "STARTTLS" command.
// Capabilities are cleared, they must be requested again. ../rfc/3501:1412
func (c *Conn) StartTLS(ctx context.Context, config *tls.Config) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	resp, rerr = c.transactf("starttls")
	c.xresponse(rerr, &resp)

	err := c.tc.UpgradeTLS(ctx, config)
	c.xcheckio(err)
	c.CapAvailable = nil
	return
}

// Login authenticates using the IMAP4 "LOGIN" command, sending the plain text
// password to the server.
//
// Authentication is not allowed while the "LOGINDISABLED" capability is announced.
// Call [Conn.StartTLS] first.
func (c *Conn) Login(username, password string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	start := time.Now()
	c.xcommand("login", secret(username), secret(password))
	return c.responseOK("login", start)
}

// Authenticate executes the IMAP4 "AUTHENTICATE" command with the SASL mechanism
// of client. The initial response is sent with the command if the server
// announced SASL-IR. With challenge/response mechanisms like CRAM-MD5 and
// SCRAM, only derived values are sent to the server, never the password.
//
// Messages from the client that include credentials are traced at level
// traceauth.
func (c *Conn) Authenticate(client sasl.Client) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	start := time.Now()
	name, cleartext := client.Info()
	defer func() {
		result := "ok"
		if rerr != nil {
			result = "error"
			if _, ok := rerr.(Response); ok {
				result = "badcreds"
			}
		}
		metrics.AuthenticationInc(strings.ToLower(name), result)
	}()

	level := mlog.LevelTrace
	if cleartext {
		level = mlog.LevelTraceauth
	}

	// Mechanisms with an initial response return it on the first step.
	initial, last, err := client.Next(nil)
	c.xcheckf(err, "initial sasl response")
	w := &cmdWriter{c: c}
	w.add(mlog.LevelTrace, c.nextTag()+" authenticate "+name)
	if initial != nil && c.HasCap(CapSASLIR) {
		// Empty initial response is sent as "=". ../rfc/4959:78
		s := "="
		if len(initial) > 0 {
			s = base64.StdEncoding.EncodeToString(initial)
		}
		w.add(mlog.LevelTrace, " ")
		w.add(level, s)
		initial = nil
	}
	w.add(mlog.LevelTrace, "\r\n")
	w.xflush()

	for {
		line, err := c.ReadContinuation()
		if err != nil {
			if r, ok := err.(Response); ok && r.Status == OK {
				// Server finished the exchange.
				c.processCode(r.Code)
				return r, nil
			}
			c.xresponse(err, &resp)
		}
		if initial != nil {
			// Without SASL-IR, the initial response is sent after an empty continuation.
			c.xwriteLine(level, base64.StdEncoding.EncodeToString(initial))
			initial = nil
			continue
		}
		if last {
			// Server sent a continuation while we are done, e.g. with additional data. An
			// empty response is expected. ../rfc/9051:6221
			c.xwriteLine(mlog.LevelTrace, "")
			break
		}
		fromServer, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			// Cancel the exchange. ../rfc/3501:1635
			c.xwriteLine(mlog.LevelTrace, "*")
			_, _ = c.ReadResponse()
			c.xcheckf(err, "parsing base64 from server")
		}
		var toServer []byte
		toServer, last, err = client.Next(fromServer)
		if err != nil {
			c.xwriteLine(mlog.LevelTrace, "*")
			_, _ = c.ReadResponse()
			c.xcheckf(err, "sasl step")
		}
		c.xwriteLine(level, base64.StdEncoding.EncodeToString(toServer))
	}
	return c.responseOK("authenticate", start)
}

// Select opens the mailbox with the IMAP4 "SELECT" command.
//
// If a mailbox is selected/active, it is automatically deselected before
// selecting the mailbox, without permanently removing ("expunging") messages
// marked \Deleted.
//
// If the mailbox cannot be opened, the connection is left in Authenticated state,
// not Selected. Use [MailboxInfo] to get the mailbox state from the response.
func (c *Conn) Select(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	c.Exists = 0
	return c.transactf("select %s", astring(mailbox))
}

// Examine opens the mailbox like [Conn.Select], but read-only, with the IMAP4
// "EXAMINE" command.
func (c *Conn) Examine(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	c.Exists = 0
	return c.transactf("examine %s", astring(mailbox))
}

// Create makes a new mailbox on the server using the IMAP4 "CREATE" command.
func (c *Conn) Create(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("create %s", astring(mailbox))
}

// Delete removes an entire mailbox and its messages using the IMAP4 "DELETE"
// command.
func (c *Conn) Delete(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("delete %s", astring(mailbox))
}

// Rename changes the name of a mailbox and all its child mailboxes
// using the IMAP4 "RENAME" command.
func (c *Conn) Rename(omailbox, nmailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("rename %s %s", astring(omailbox), astring(nmailbox))
}

// List lists mailboxes using the IMAP4 "LIST" command with the basic LIST syntax.
// Pattern can contain * (match any) or % (match any except hierarchy delimiter).
// An empty reference and pattern requests the hierarchy delimiter and root.
func (c *Conn) List(reference, pattern string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf(`list %s %s`, stringx(reference), astring(pattern))
}

// Namespace requests the namespaces with hierarchy separators using the IMAP4
// "NAMESPACE" command.
//
// Required capability: "NAMESPACE" or "IMAP4rev2".
//
// Server will return an UntaggedNamespace response with personal/shared/other
// namespaces if present.
func (c *Conn) Namespace() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("namespace")
}

// Status requests information about a mailbox using the IMAP4 "STATUS" command. For
// example, number of messages, size, etc. At least one attribute required.
func (c *Conn) Status(mailbox string, attrs ...StatusAttr) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	l := make([]string, len(attrs))
	for i, a := range attrs {
		l[i] = string(a)
	}
	return c.transactf("status %s (%s)", astring(mailbox), strings.Join(l, " "))
}

// Append represents a parameter to the IMAP4 "APPEND" command, for adding a
// message to mailbox.
type Append struct {
	Flags    []string   // Optional, flags for the new message.
	Received *time.Time // Optional, the INTERNALDATE field, typically time at which a message was received.
	Data     []byte
}

// Append adds message to mailbox with flags and optional receive time using the
// IMAP4 "APPEND" command. With UIDPLUS, the result has a CodeAppendUID with the
// UID of the new message.
//
// The message is sent as literal. Without LITERAL+, the command waits for the
// server continuation before sending the message data, which is traced at level
// tracedata.
func (c *Conn) Append(mailbox string, message Append) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	start := time.Now()
	args := []any{"append", astring(mailbox), "(" + strings.Join(message.Flags, " ") + ")"}
	if message.Received != nil {
		args = append(args, `"`+message.Received.Format("_2-Jan-2006 15:04:05 -0700")+`"`)
	}
	args = append(args, literal{string(message.Data), mlog.LevelTracedata})
	c.xcommand(args...)
	return c.responseOK("append", start)
}

// CloseMailbox closes the selected/active mailbox using the IMAP4 "CLOSE" command,
// permanently removing ("expunging") any messages marked with \Deleted.
func (c *Conn) CloseMailbox() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("close")
}

// Unselect closes the selected/active mailbox using the IMAP4 "UNSELECT" command,
// but unlike CloseMailbox does not permanently remove ("expunge") any messages
// marked with \Deleted.
//
// Required capability: "UNSELECT" or "IMAP4rev2".
func (c *Conn) Unselect() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("unselect")
}

// Expunge removes all messages marked as deleted for the selected mailbox using
// the IMAP4 "EXPUNGE" command. If other sessions marked messages as deleted, even
// if they aren't visible in the session, they are removed as well.
//
// UIDExpunge gives more control over which the messages that are removed.
func (c *Conn) Expunge() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("expunge")
}

// UIDExpunge is like expunge, but only removes messages matching UID set, using
// the IMAP4 "UID EXPUNGE" command.
//
// Required capability: "UIDPLUS" or "IMAP4rev2".
func (c *Conn) UIDExpunge(uidSet string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid expunge %s", uidSet)
}

func storeItem(op string, silent bool) string {
	item := op + "flags"
	if silent {
		item += ".silent"
	}
	return item
}

// UIDStoreFlagsSet stores a new set of flags for messages matching UIDs from
// uidSet with the IMAP4 "UID STORE" command.
//
// If silent, no untagged responses with the updated flags will be sent by the
// server.
func (c *Conn) UIDStoreFlagsSet(uidSet string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid store %s %s (%s)", uidSet, storeItem("", silent), strings.Join(flags, " "))
}

// UIDStoreFlagsAdd is like UIDStoreFlagsSet, but only adds flags, leaving
// current flags on the message intact.
func (c *Conn) UIDStoreFlagsAdd(uidSet string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid store %s %s (%s)", uidSet, storeItem("+", silent), strings.Join(flags, " "))
}

// UIDStoreFlagsClear is like UIDStoreFlagsSet, but only removes flags, leaving
// other flags on the message intact.
func (c *Conn) UIDStoreFlagsClear(uidSet string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid store %s %s (%s)", uidSet, storeItem("-", silent), strings.Join(flags, " "))
}

// UIDCopy adds the messages from uidSet in the selected mailbox to destMailbox,
// using the IMAP4 "UID COPY" command. With UIDPLUS, the result has a
// CodeCopyUID with the UIDs in the destination mailbox.
func (c *Conn) UIDCopy(uidSet string, destMailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid copy %s %s", uidSet, astring(destMailbox))
}

// UIDSearch returns UIDs of messages in the selected/active mailbox that match
// the search criteria using the IMAP4 "UID SEARCH" command, e.g. "uid 10:*" or
// "unseen". The matching UIDs are in an UntaggedSearch response, see
// [SearchUIDs].
func (c *Conn) UIDSearch(criteria string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid search %s", criteria)
}

// UIDFetch requests attributes for messages in uidSet with the IMAP4 "UID FETCH"
// command, e.g. items "(UID FLAGS)" or "(UID BODY.PEEK[])". The responses are
// of type UntaggedFetch, each with a FetchUID attribute.
func (c *Conn) UIDFetch(uidSet string, items string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid fetch %s %s", uidSet, items)
}

// SearchUIDs returns the UIDs from all untagged SEARCH responses, in the
// order the server sent them.
func SearchUIDs(resp Response) []uint32 {
	var uids []uint32
	for _, s := range UntaggedResponseList[UntaggedSearch](resp) {
		uids = append(uids, s...)
	}
	return uids
}

// FetchUIDs returns the UIDs from the untagged FETCH responses that have a
// UID attribute.
func FetchUIDs(resp Response) []uint32 {
	var uids []uint32
	for _, f := range UntaggedResponseList[UntaggedFetch](resp) {
		if uid, ok := FetchAttrGet[FetchUID](f); ok {
			uids = append(uids, uint32(uid))
		}
	}
	return uids
}

// StatusInfo returns the attributes from the untagged STATUS response.
func StatusInfo(resp Response) (map[StatusAttr]int64, error) {
	st, err := UntaggedResponseGet[UntaggedStatus](resp)
	if err != nil {
		return nil, fmt.Errorf("%w: status response: %v", ErrProtocol, err)
	}
	return st.Attrs, nil
}
