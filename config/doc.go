/*
Package config holds the configuration file definitions.

imapmirror uses a single config file, imapmirror.conf. It is read once at
startup of each command.

Below is an "empty" config file, generated from the config file definitions in
the source code, along with comments explaining the fields. Fields named "x" are
placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# imapmirror.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Directory where the mirrors of all accounts are stored, each account in its own
	# subdirectory with a database of folder states and the message files. If this is
	# a relative path, it is relative to the directory of imapmirror.conf.
	DataDir:

	# Default log level, one of: error, info, debug, trace, traceauth, tracedata.
	# Trace logs IMAP protocol transcripts, with traceauth also lines with passwords,
	# and tracedata on top of that also the full data exchanges (full messages),
	# which can be a large amount of data.
	LogLevel:

	# Overrides of log level per package (e.g. transport, imapclient, session,
	# remote, mirror, namespace, dns). (optional)
	PackageLogLevels:
		x:

	# Address to serve prometheus metrics on at /metrics, e.g. localhost:8010. Only
	# used by commands that run for a while, such as sync with -interval. (optional)
	Metrics:

	# Accounts to mirror. The key is the local account name, also used for the
	# directory holding its mirror.
	Accounts:
		x:

			# Host name of the IMAP server. International domain names are allowed. Required
			# unless TunnelCommand is set. (optional)
			Host:

			# TCP port of the IMAP server. Default: 993 for Security tls, 143 otherwise.
			# (optional)
			Port: 0

			# How the connection is protected: tls for TLS immediately after connecting,
			# starttls for a plain text connection upgraded with STARTTLS, none for no TLS at
			# all. Default: tls. (optional)
			Security:

			# Do not verify the TLS certificate of the server. Only for testing. (optional)
			TLSSkipVerify: false

			# Shell command to run instead of connecting over the network, e.g. for running
			# an IMAP server over ssh: ssh mail.example.org /usr/lib/dovecot/imap. The
			# command must speak IMAP on its stdin and stdout, typically with a PREAUTH
			# greeting. (optional)
			TunnelCommand:

			# Username for authentication. (optional)
			Username:

			# Password for authentication. Can also be read from PasswordFile. (optional)
			Password:

			# File containing the password, only the first line is used. If this is a
			# relative path, it is relative to the directory of imapmirror.conf. (optional)
			PasswordFile:

			# Authentication mechanism: auto, login, plain, cram-md5, scram-sha-1,
			# scram-sha-256. With auto, the strongest mechanism announced by the server is
			# used, and the LOGIN command otherwise. Default: auto. (optional)
			Auth:

			# Timeout for connecting and for each read and write on the connection. Default:
			# 60s. (optional)
			Timeout: 0s

			# Idle time after which the connection is checked with a NOOP before it is used
			# again. Negative disables. Default: 60s. (optional)
			KeepaliveInterval: 0s

			# Time after a failed connection or authentication attempt during which no new
			# attempt is made. Negative disables. Default: 2s. (optional)
			ReconnectBackoff: 0s

			# Maximum length in characters of the UID set in a single STORE command for
			# batched flag changes. Lowered automatically for folders for which the server
			# rejects long commands. Default: 1000. (optional)
			BatchSetCeiling: 0

			# When resolving flags, seen messages are searched for instead of unseen messages
			# if the fraction of unseen messages in the folder is higher than this ratio.
			# Default: 0.5. (optional)
			SeenSearchRatio: 0

			# Only allow a single folder at a time to batch flag changes. (optional)
			ExclusiveBatch: false

			# Maximum size in bytes of a literal sent by the server, such as a message body.
			# Larger literals fail the command and close the connection. Default: 104857600
			# (100MB). (optional)
			MaxMessageSize: 0

			# Folders to synchronize when none are given on the command line, as local paths
			# with / as hierarchy separator. Default: INBOX. (optional)
			Folders:
				-

# Examples

An account on a server with TLS, and an account reached through a command:

	DataDir: data
	LogLevel: info
	Accounts:
		work:
			Host: mail.example.org
			Username: mjl@example.org
			PasswordFile: work.password
			Folders:
				- INBOX
				- Archive
		home:
			TunnelCommand: ssh mail.example.net /usr/lib/dovecot/imap
*/
package config
