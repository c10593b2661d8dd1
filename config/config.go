package config

import (
	"time"
)

// Static is the parsed form of the imapmirror.conf configuration file.
type Static struct {
	DataDir          string             `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the mirrors of all accounts are stored, each account in its own subdirectory with a database of folder states and the message files. If this is a relative path, it is relative to the directory of imapmirror.conf."`
	LogLevel         string             `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs IMAP protocol transcripts, with traceauth also lines with passwords, and tracedata on top of that also the full data exchanges (full messages), which can be a large amount of data."`
	PackageLogLevels map[string]string  `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. transport, imapclient, session, remote, mirror, namespace, dns)."`
	Metrics          string             `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. localhost:8010. Only used by commands that run for a while, such as sync with -interval."`
	Accounts         map[string]Account `sconf-doc:"Accounts to mirror. The key is the local account name, also used for the directory holding its mirror."`
}

// Account is a remote IMAP account.
type Account struct {
	Host              string        `sconf:"optional" sconf-doc:"Host name of the IMAP server. International domain names are allowed. Required unless TunnelCommand is set."`
	Port              int           `sconf:"optional" sconf-doc:"TCP port of the IMAP server. Default: 993 for Security tls, 143 otherwise."`
	Security          string        `sconf:"optional" sconf-doc:"How the connection is protected: tls for TLS immediately after connecting, starttls for a plain text connection upgraded with STARTTLS, none for no TLS at all. Default: tls."`
	TLSSkipVerify     bool          `sconf:"optional" sconf-doc:"Do not verify the TLS certificate of the server. Only for testing."`
	TunnelCommand     string        `sconf:"optional" sconf-doc:"Shell command to run instead of connecting over the network, e.g. for running an IMAP server over ssh: ssh mail.example.org /usr/lib/dovecot/imap. The command must speak IMAP on its stdin and stdout, typically with a PREAUTH greeting."`
	Username          string        `sconf:"optional" sconf-doc:"Username for authentication."`
	Password          string        `sconf:"optional" sconf-doc:"Password for authentication. Can also be read from PasswordFile."`
	PasswordFile      string        `sconf:"optional" sconf-doc:"File containing the password, only the first line is used. If this is a relative path, it is relative to the directory of imapmirror.conf."`
	Auth              string        `sconf:"optional" sconf-doc:"Authentication mechanism: auto, login, plain, cram-md5, scram-sha-1, scram-sha-256. With auto, the strongest mechanism announced by the server is used, and the LOGIN command otherwise. Default: auto."`
	Timeout           time.Duration `sconf:"optional" sconf-doc:"Timeout for connecting and for each read and write on the connection. Default: 60s."`
	KeepaliveInterval time.Duration `sconf:"optional" sconf-doc:"Idle time after which the connection is checked with a NOOP before it is used again. Negative disables. Default: 60s."`
	ReconnectBackoff  time.Duration `sconf:"optional" sconf-doc:"Time after a failed connection or authentication attempt during which no new attempt is made. Negative disables. Default: 2s."`
	BatchSetCeiling   int           `sconf:"optional" sconf-doc:"Maximum length in characters of the UID set in a single STORE command for batched flag changes. Lowered automatically for folders for which the server rejects long commands. Default: 1000."`
	SeenSearchRatio   float64       `sconf:"optional" sconf-doc:"When resolving flags, seen messages are searched for instead of unseen messages if the fraction of unseen messages in the folder is higher than this ratio. Default: 0.5."`
	ExclusiveBatch    bool          `sconf:"optional" sconf-doc:"Only allow a single folder at a time to batch flag changes."`
	MaxMessageSize    int64         `sconf:"optional" sconf-doc:"Maximum size in bytes of a literal sent by the server, such as a message body. Larger literals fail the command and close the connection. Default: 104857600 (100MB)."`
	Folders           []string      `sconf:"optional" sconf-doc:"Folders to synchronize when none are given on the command line, as local paths with / as hierarchy separator. Default: INBOX."`

	Name string `sconf:"-" json:"-"`
}
