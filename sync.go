package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mjl-/imapmirror/async"
	"github.com/mjl-/imapmirror/mailstore"
	"github.com/mjl-/imapmirror/mlog"
	"github.com/mjl-/imapmirror/remote"
	"github.com/mjl-/imapmirror/session"
)

func cmdSync(c *cmd) {
	c.params = "[-interval duration] [-scan] account [folder ...]"
	c.help = `Synchronize the UIDs of folders with the server.

Each folder is opened and its list of message UIDs brought up to date with the
server, transferring only what changed since the previous sync. For each
folder, the number of messages, unseen messages and the duration are printed.
Without folders as parameters, the folders from the account configuration are
synchronized.

With -scan, the server is first asked whether a folder changed, and the folder
is only synchronized if it did.

With -interval, the folders are synchronized repeatedly until interrupted. If
Metrics is set in the config file, prometheus metrics are served while running.
`
	var interval time.Duration
	var scan bool
	c.flag.DurationVar(&interval, "interval", 0, "synchronize again after this interval, until interrupted")
	c.flag.BoolVar(&scan, "scan", false, "only synchronize folders that changed according to the server")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	conf, a := xopenAccount(c, args[0])
	defer xcloseAccount(a)
	folders := args[1:]
	if len(folders) == 0 {
		folders = conf.Folders(args[0])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if interval > 0 && conf.Static.Metrics != "" {
		stop := serveMetrics(c.log, conf.Static.Metrics)
		defer stop()
	}

	s := syncer{log: c.log, account: a, folders: folders, scan: scan, interval: interval}
	if failed := s.run(ctx); failed > 0 && interval == 0 {
		os.Exit(1)
	}
}

// syncer synchronizes folders of an account one at a time in background
// tasks, driven by a control loop that polls for completion.
type syncer struct {
	log      mlog.Log
	account  *remote.Account
	folders  []string
	scan     bool
	interval time.Duration
}

// run synchronizes all folders, repeatedly if an interval is set, until ctx is
// canceled. It returns the number of failed folder synchronizations.
func (s syncer) run(ctx context.Context) (failed int) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	queue := append([]string{}, s.folders...)
	var task *async.Task[mailstore.Folder]
	var taskStart time.Time
	var next time.Time

	for {
		if task == nil && len(queue) > 0 {
			folder := queue[0]
			var err error
			task, err = remote.Start(ctx, s.account, "sync "+folder, func(ctx context.Context) (mailstore.Folder, error) {
				if s.scan {
					return s.account.ScanFolder(ctx, folder)
				}
				return s.account.OpenFolder(ctx, folder)
			})
			if errors.Is(err, session.ErrBusy) {
				s.log.Debug("account busy, retrying", slog.String("folder", folder))
			} else if err != nil {
				s.log.Errorx("starting sync", err, slog.String("folder", folder))
				failed++
				queue = queue[1:]
				continue
			} else {
				taskStart = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			if task != nil {
				task.Cancel()
				<-task.Done()
			}
			s.log.Info("sync interrupted")
			return failed

		case <-ticker.C:
		}

		if task != nil && task.Poll() {
			folder := queue[0]
			queue = queue[1:]
			f, err := task.Result()
			task = nil
			if err != nil {
				failed++
				s.log.Errorx("sync failed", err, slog.String("folder", folder), slog.Any("status", mailstore.StatusOf(err)))
			} else {
				fmt.Printf("%s\tmessages %d\tunseen %d\t%s\n", f.Path, f.Total, f.Unseen, time.Since(taskStart).Round(time.Millisecond))
			}
		}

		if task != nil || len(queue) > 0 {
			continue
		}
		if s.interval <= 0 {
			return failed
		}
		if next.IsZero() {
			next = time.Now().Add(s.interval)
			s.log.Debug("waiting for next sync", slog.Time("next", next))
		} else if time.Now().After(next) {
			next = time.Time{}
			queue = append(queue, s.folders...)
		}
	}
}
