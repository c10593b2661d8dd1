/*
Command imapmirror keeps a local mirror of folders of remote IMAP accounts.

  - Folder state (UIDVALIDITY, UIDs, counts) is kept in a local database, and
    brought up to date with the server while transferring only what changed.
  - Message bodies are stored locally when fetched, appended or copied.
  - Flag changes can be batched into as few STORE commands as possible.
  - TLS, STARTTLS, or a tunnel command, e.g. over ssh. Authentication with
    SCRAM-SHA-256, SCRAM-SHA-1, CRAM-MD5, PLAIN or LOGIN.
  - Internationalized folder names and host names.

# Commands

	imapmirror [-config imapmirror.conf] [-loglevel level] ...
	imapmirror sync [-interval duration] [-scan] account [folder ...]
	imapmirror list account
	imapmirror fetch account folder uid
	imapmirror flags [-batch] account folder [+|-]flag[,...] uid ...
	imapmirror append [-flags flag,...] account folder file ...
	imapmirror copy account srcfolder dstfolder uid ...
	imapmirror remove account folder uid ...
	imapmirror folder create account folder
	imapmirror folder rename account folder newfolder
	imapmirror folder delete account folder
	imapmirror folder reset account folder
	imapmirror config test
	imapmirror config describe >imapmirror.conf
	imapmirror help [command ...]
	imapmirror version

Many commands talk to the IMAP server of an account, as configured in
imapmirror.conf. Folders are given as local paths, with "/" as hierarchy
separator regardless of the separator used by the server.

# imapmirror sync

Synchronize the UIDs of folders with the server.

Each folder is opened and its list of message UIDs brought up to date with the
server, transferring only what changed since the previous sync. For each
folder, the number of messages, unseen messages and the duration are printed.
Without folders as parameters, the folders from the account configuration are
synchronized.

With -scan, the server is first asked whether a folder changed, and the folder
is only synchronized if it did.

With -interval, the folders are synchronized repeatedly until interrupted. If
Metrics is set in the config file, prometheus metrics are served while running.

	usage: imapmirror sync [-interval duration] [-scan] account [folder ...]
	  -interval duration
	    	synchronize again after this interval, until interrupted
	  -scan
	    	only synchronize folders that changed according to the server

# imapmirror list

List the mailboxes of an account.

For each mailbox, its hierarchy separator on the server is printed along with
the local path, with "/" as separator. Mailboxes that cannot be selected are
marked.

	usage: imapmirror list account

# imapmirror fetch

Write a message to stdout.

The message is read from the local mirror if present. Otherwise it is fetched
from the server, without setting the \Seen flag, and added to the mirror.

	usage: imapmirror fetch account folder uid

# imapmirror flags

Change flags of messages, and print the resulting flags.

Flags to add are prefixed with +, flags to remove with -. Without prefix, the
flags of the message are set to exactly the given flags. Multiple flags are
separated by a comma, e.g. +\Seen,$Forwarded. Known flags are \Seen,
\Answered, \Flagged, \Deleted, \Draft, $Forwarded, $Junk and $NotJunk.

With -batch, the changes are collected and sent with as few STORE commands as
possible at the end.

	usage: imapmirror flags [-batch] account folder [+|-]flag[,...] uid ...
	  -batch
	    	send changes as a batch

# imapmirror append

Add messages from files to a folder.

The UIDs of the new messages are printed, or 0 if the server does not report
them, in which case the next sync of the folder will find them. A file "-" is
read from stdin.

	usage: imapmirror append [-flags flag,...] account folder file ...
	  -flags string
	    	comma-separated flags for the new messages, e.g. \Seen

# imapmirror copy

Copy messages to another folder.

For each copied message, the original and new UID are printed, if the server
reports them.

	usage: imapmirror copy account srcfolder dstfolder uid ...

# imapmirror remove

Remove messages from a folder.

The messages are marked \Deleted and expunged. If the server does not support
UIDPLUS, other messages already marked \Deleted are expunged as well.

	usage: imapmirror remove account folder uid ...

# imapmirror folder create

Create a folder on the server.

	usage: imapmirror folder create account folder

# imapmirror folder rename

Rename a folder on the server.

The local mirror of the folder is removed, the next sync starts from scratch.

	usage: imapmirror folder rename account folder newfolder

# imapmirror folder delete

Delete a folder and its messages from the server, and its local mirror.

	usage: imapmirror folder delete account folder

# imapmirror folder reset

Clear the local mirror of a folder.

The server is not contacted. The next sync retrieves all UIDs again, and
message bodies are fetched again when needed.

	usage: imapmirror folder reset account folder

# imapmirror config test

Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.

	usage: imapmirror config test

# imapmirror config describe

Prints an annotated empty configuration for use as imapmirror.conf.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.

	usage: imapmirror config describe >imapmirror.conf

# imapmirror help

Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.

	usage: imapmirror help [command ...]

# imapmirror version

Prints this imapmirror version.

	usage: imapmirror version
*/
package main
