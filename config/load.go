package config

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/imapmirror/dns"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/remote"
	"github.com/mjl-/imapmirror/session"
)

// Config is the static configuration after processing, ready for use.
type Config struct {
	Static Static
	Path   string // Of the config file.

	// Log levels by package, with "" for the default.
	Log map[string]slog.Level

	// Processed accounts, by name.
	Accounts map[string]remote.Config
}

// Load parses and checks the config file at p. All problems found are
// returned.
func Load(log mlog.Log, p string) (*Config, []error) {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("IMAPMIRRORCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use imapmirror -config ... or set IMAPMIRRORCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	return parse(log, p, f)
}

func parse(log mlog.Log, p string, r io.Reader) (*Config, []error) {
	c := &Config{Static: Static{DataDir: "."}, Path: p}
	if err := sconf.Parse(r, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}
	if errs := prepare(log, c); len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

// prepare checks the static config and fills in the derived fields.
func prepare(log mlog.Log, conf *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	c := &conf.Static
	dir := filepath.Dir(conf.Path)

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.DataDir == "" {
		addErrorf("missing DataDir")
	}
	dataDir := c.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(dir, dataDir)
	}

	if len(c.Accounts) == 0 {
		addErrorf("no accounts configured")
	}
	conf.Accounts = map[string]remote.Config{}
	for name, acc := range c.Accounts {
		acc.Name = name
		c.Accounts[name] = acc
		if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
			addErrorf("account %q: name must be a valid file name, not starting with a dot", name)
			continue
		}
		rc, xerrs := prepareAccount(log, dir, dataDir, acc)
		for _, err := range xerrs {
			addErrorf("account %s: %w", name, err)
		}
		conf.Accounts[name] = rc
	}
	return errs
}

func prepareAccount(log mlog.Log, dir, dataDir string, acc Account) (rc remote.Config, errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	sc := session.Config{
		Account:           acc.Name,
		Port:              acc.Port,
		Security:          session.Security(acc.Security),
		TunnelCommand:     acc.TunnelCommand,
		Username:          acc.Username,
		Password:          acc.Password,
		Auth:              session.AuthMethod(strings.ToLower(acc.Auth)),
		Timeout:           acc.Timeout,
		KeepaliveInterval: acc.KeepaliveInterval,
		ReconnectBackoff:  acc.ReconnectBackoff,
		MaxLiteralSize:    acc.MaxMessageSize,
	}

	if acc.TunnelCommand == "" {
		if acc.Host == "" {
			addErrorf("missing Host")
		} else if d, err := dns.ParseDomain(acc.Host); err != nil {
			addErrorf("parsing host %q: %v", acc.Host, err)
		} else {
			sc.Host = d
		}
	} else if acc.Host != "" {
		log.Info("host ignored for account with tunnel command", slog.String("account", acc.Name))
	}
	if acc.Port < 0 || acc.Port > 65535 {
		addErrorf("invalid port %d", acc.Port)
	}

	switch sc.Security {
	case "":
		sc.Security = session.SecurityTLS
	case session.SecurityTLS, session.SecurityStartTLS, session.SecurityNone:
	default:
		addErrorf("unknown security %q, must be tls, starttls or none", acc.Security)
	}
	if sc.Security != session.SecurityNone && !sc.Host.IsZero() {
		sc.TLSConfig = &tls.Config{
			ServerName:         sc.Host.ASCII,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: acc.TLSSkipVerify,
		}
	}

	switch sc.Auth {
	case "", session.AuthAuto, session.AuthLogin, session.AuthPlain, session.AuthCRAMMD5, session.AuthSCRAMSHA1, session.AuthSCRAMSHA256:
	default:
		addErrorf("unknown auth mechanism %q", acc.Auth)
	}

	if acc.Password != "" && acc.PasswordFile != "" {
		addErrorf("cannot have both Password and PasswordFile")
	} else if acc.PasswordFile != "" {
		p := acc.PasswordFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		buf, err := os.ReadFile(p)
		if err != nil {
			addErrorf("reading password file: %v", err)
		} else {
			pw, _, _ := strings.Cut(string(buf), "\n")
			sc.Password = strings.TrimRight(pw, "\r")
		}
	}
	if acc.TunnelCommand == "" && (sc.Username == "" || sc.Password == "") {
		addErrorf("missing Username or password")
	}

	if acc.BatchSetCeiling < 0 {
		addErrorf("BatchSetCeiling must not be negative")
	} else if acc.BatchSetCeiling > 0 && acc.BatchSetCeiling < 20 {
		addErrorf("BatchSetCeiling must be at least 20")
	}
	if acc.MaxMessageSize < 0 {
		addErrorf("MaxMessageSize must not be negative")
	}
	if acc.SeenSearchRatio < 0 || acc.SeenSearchRatio > 1 {
		addErrorf("SeenSearchRatio must be between 0 and 1")
	}
	for _, f := range acc.Folders {
		if f == "" || strings.HasPrefix(f, "/") || strings.HasSuffix(f, "/") || strings.Contains(f, "//") {
			addErrorf("invalid folder %q", f)
		}
	}

	rc = remote.Config{
		Session:         sc,
		DataDir:         dataDir,
		SetCeiling:      acc.BatchSetCeiling,
		SeenSearchRatio: acc.SeenSearchRatio,
		ExclusiveBatch:  acc.ExclusiveBatch,
	}
	return rc, errs
}

// Folders returns the folders to synchronize for an account by default.
func (c *Config) Folders(account string) []string {
	if l := c.Static.Accounts[account].Folders; len(l) > 0 {
		return l
	}
	return []string{"INBOX"}
}
