package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/imapmirror/config"
	"github.com/mjl-/imapmirror/mailstore"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/remote"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"sync", cmdSync},
	{"list", cmdList},
	{"fetch", cmdFetch},
	{"flags", cmdFlags},
	{"append", cmdAppend},
	{"copy", cmdCopy},
	{"remove", cmdRemove},
	{"folder create", cmdFolderCreate},
	{"folder rename", cmdFolderRename},
	{"folder delete", cmdFolderDelete},
	{"folder reset", cmdFolderReset},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"help", cmdHelp},
	{"version", cmdVersion},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("imapmirror "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "imapmirror " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "imapmirror " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd, partial bool) {
	var lines []string
	if !partial {
		lines = append(lines, "imapmirror [-config imapmirror.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"imapmirror"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // Empty will be interpreted as the level from the config file.

// mustLoadConfig loads the config file, and sets the log levels from the
// config unless a log level was specified on the command-line.
func mustLoadConfig(c *cmd) *config.Config {
	conf, errs := config.Load(c.log, configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	if loglevel != "" {
		level, err := mlog.ParseLevel(loglevel)
		xcheckf(err, "parsing loglevel")
		conf.Log[""] = level
	}
	mlog.SetConfig(conf.Log)
	return conf
}

// xopenAccount loads the config and opens the account. The caller must close
// the account.
func xopenAccount(c *cmd, name string) (*config.Config, *remote.Account) {
	conf := mustLoadConfig(c)
	rc, ok := conf.Accounts[name]
	if !ok {
		log.Fatalf("unknown account %q", name)
	}
	a, err := remote.Open(context.Background(), c.log, rc)
	xcheckf(err, "open account")
	return conf, a
}

func xcloseAccount(a *remote.Account) {
	err := a.Close()
	xcheckf(err, "closing account")
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("IMAPMIRRORCONF", "imapmirror.conf"), "configuration file, defaults to $IMAPMIRRORCONF with a fallback to imapmirror.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the default log level from the config file")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig is called again when subcommands load the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	defer startProfiling(mlog.New("profile", nil), cpuprofile, memprofile, tracefile)()

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("imapmirror "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s (%s)", msg, err, mailstore.StatusOf(err))
}

func xparseUID(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		log.Fatalf("invalid uid %q", s)
	}
	return uint32(v)
}

func xparseUIDs(l []string) []uint32 {
	var uids []uint32
	for _, s := range l {
		uids = append(uids, xparseUID(s))
	}
	return uids
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	mustLoadConfig(c)
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">imapmirror.conf"
	c.help = `Prints an annotated empty configuration for use as imapmirror.conf.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this imapmirror version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(version)
}

func cmdList(c *cmd) {
	c.params = "account"
	c.help = `List the mailboxes of an account.

For each mailbox, its hierarchy separator on the server is printed along with
the local path, with "/" as separator. Mailboxes that cannot be selected are
marked.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	l, err := a.ListFolders(context.Background())
	xcheckf(err, "listing folders")
	for _, fi := range l {
		var noselect string
		if fi.NoSelect {
			noselect = " (noselect)"
		}
		sep := "NIL"
		if fi.Separator != 0 {
			sep = string(fi.Separator)
		}
		fmt.Printf("%s\t%s%s\n", sep, fi.Path, noselect)
	}
}

func cmdFetch(c *cmd) {
	c.params = "account folder uid"
	c.help = `Write a message to stdout.

The message is read from the local mirror if present. Otherwise it is fetched
from the server, without setting the \Seen flag, and added to the mirror.
`
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}
	uid := xparseUID(args[2])

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	buf, err := a.FetchMessage(context.Background(), args[1], uid)
	xcheckf(err, "fetching message")
	_, err = os.Stdout.Write(buf)
	xcheckf(err, "write message")
}

func cmdFlags(c *cmd) {
	c.params = "[-batch] account folder [+|-]flag[,...] uid ..."
	c.help = `Change flags of messages, and print the resulting flags.

Flags to add are prefixed with +, flags to remove with -. Without prefix, the
flags of the message are set to exactly the given flags. Multiple flags are
separated by a comma, e.g. +\Seen,$Forwarded. Known flags are \Seen,
\Answered, \Flagged, \Deleted, \Draft, $Forwarded, $Junk and $NotJunk.

With -batch, the changes are collected and sent with as few STORE commands as
possible at the end.
`
	var batch bool
	c.flag.BoolVar(&batch, "batch", false, "send changes as a batch")
	args := c.Parse()
	if len(args) < 4 {
		c.Usage()
	}
	folder := args[1]
	op, names := "", args[2]
	if strings.HasPrefix(names, "+") || strings.HasPrefix(names, "-") {
		op, names = names[:1], names[1:]
	}
	flags := mailstore.ParseFlags(strings.Split(names, ","))
	if flags == 0 && names != "" {
		log.Fatalf("no known flags in %q", names)
	}
	uids := xparseUIDs(args[3:])

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)
	ctx := context.Background()

	current, err := a.ResolveFlags(ctx, folder, uids)
	xcheckf(err, "resolving current flags")
	var changes []mailstore.FlagChange
	for _, uid := range uids {
		fc := mailstore.FlagChange{UID: uid, Old: current[uid]}
		switch op {
		case "+":
			fc.New = fc.Old | flags
		case "-":
			fc.New = fc.Old &^ flags
		default:
			fc.New = flags
		}
		changes = append(changes, fc)
	}

	if batch {
		err := a.BeginBatch(ctx, folder)
		xcheckf(err, "starting batch")
	}
	err = a.ChangeFlags(ctx, folder, changes)
	if batch {
		xerr := a.EndBatch(ctx, folder)
		if err == nil {
			err = xerr
		}
	}
	xcheckf(err, "changing flags")

	current, err = a.ResolveFlags(ctx, folder, uids)
	xcheckf(err, "resolving flags")
	for _, uid := range uids {
		fmt.Printf("%d %s\n", uid, current[uid])
	}
}

func cmdAppend(c *cmd) {
	c.params = "[-flags flag,...] account folder file ..."
	c.help = `Add messages from files to a folder.

The UIDs of the new messages are printed, or 0 if the server does not report
them, in which case the next sync of the folder will find them. A file "-" is
read from stdin.
`
	var flagList string
	c.flag.StringVar(&flagList, "flags", "", "comma-separated flags for the new messages, e.g. \\Seen")
	args := c.Parse()
	if len(args) < 3 {
		c.Usage()
	}
	var flags mailstore.Flags
	if flagList != "" {
		flags = mailstore.ParseFlags(strings.Split(flagList, ","))
	}

	var msgs []mailstore.Message
	for _, p := range args[2:] {
		m := mailstore.Message{Flags: flags}
		var err error
		if p == "-" {
			m.Data, err = io.ReadAll(os.Stdin)
		} else {
			m.Data, err = os.ReadFile(p)
			if fi, xerr := os.Stat(p); err == nil && xerr == nil {
				m.Received = fi.ModTime()
			}
		}
		xcheckf(err, "reading message %s", p)
		msgs = append(msgs, m)
	}

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	uids, err := a.AddMessages(context.Background(), args[1], msgs)
	for i, uid := range uids {
		fmt.Printf("%s\t%d\n", args[2+i], uid)
	}
	xcheckf(err, "adding messages")
}

func cmdCopy(c *cmd) {
	c.params = "account srcfolder dstfolder uid ..."
	c.help = `Copy messages to another folder.

For each copied message, the original and new UID are printed, if the server
reports them.
`
	args := c.Parse()
	if len(args) < 4 {
		c.Usage()
	}
	uids := xparseUIDs(args[3:])

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	mapping, err := a.CopyMessages(context.Background(), args[1], uids, args[2])
	xcheckf(err, "copying messages")
	for _, uid := range uids {
		if nuid, ok := mapping[uid]; ok {
			fmt.Printf("%d\t%d\n", uid, nuid)
		}
	}
}

func cmdRemove(c *cmd) {
	c.params = "account folder uid ..."
	c.help = `Remove messages from a folder.

The messages are marked \Deleted and expunged. If the server does not support
UIDPLUS, other messages already marked \Deleted are expunged as well.
`
	args := c.Parse()
	if len(args) < 3 {
		c.Usage()
	}
	uids := xparseUIDs(args[2:])

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	err := a.RemoveMessages(context.Background(), args[1], uids)
	xcheckf(err, "removing messages")
}

func cmdFolderCreate(c *cmd) {
	c.params = "account folder"
	c.help = `Create a folder on the server.`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	err := a.CreateFolder(context.Background(), args[1])
	xcheckf(err, "creating folder")
}

func cmdFolderRename(c *cmd) {
	c.params = "account folder newfolder"
	c.help = `Rename a folder on the server.

The local mirror of the folder is removed, the next sync starts from scratch.
`
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	err := a.RenameFolder(context.Background(), args[1], args[2])
	xcheckf(err, "renaming folder")
}

func cmdFolderDelete(c *cmd) {
	c.params = "account folder"
	c.help = `Delete a folder and its messages from the server, and its local mirror.`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	err := a.DeleteFolder(context.Background(), args[1])
	xcheckf(err, "deleting folder")
}

func cmdFolderReset(c *cmd) {
	c.params = "account folder"
	c.help = `Clear the local mirror of a folder.

The server is not contacted. The next sync retrieves all UIDs again, and
message bodies are fetched again when needed.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	_, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)

	err := a.ResetFolder(context.Background(), args[1])
	xcheckf(err, "resetting folder")
}
