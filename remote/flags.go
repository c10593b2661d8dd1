package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/mailstore"
	"github.com/mjl-/imapmirror/metrics"
	"github.com/mjl-/imapmirror/mirror"
)

// batch holds deferred flag changes of a folder, as the net change per UID. A
// later change of a flag overrides an earlier change of the same flag.
type batch struct {
	pending map[uint32]netChange
}

type netChange struct {
	add, remove mailstore.Flags
}

func newBatch() *batch {
	return &batch{map[uint32]netChange{}}
}

func (b *batch) change(fc mailstore.FlagChange) {
	add, remove := fc.Add(), fc.Remove()
	if add == 0 && remove == 0 {
		return
	}
	nc := b.pending[fc.UID]
	nc.add = nc.add&^remove | add
	nc.remove = nc.remove&^add | remove
	b.pending[fc.UID] = nc
}

// groups returns the UIDs grouped by the flags to add and by the flags to
// remove, with UIDs in ascending order.
func (b *batch) groups() (add, remove map[mailstore.Flags][]uint32) {
	add = map[mailstore.Flags][]uint32{}
	remove = map[mailstore.Flags][]uint32{}
	uids := maps.Keys(b.pending)
	slices.Sort(uids)
	for _, uid := range uids {
		nc := b.pending[uid]
		if nc.add != 0 {
			add[nc.add] = append(add[nc.add], uid)
		}
		if nc.remove != 0 {
			remove[nc.remove] = append(remove[nc.remove], uid)
		}
	}
	return
}

// BeginBatch starts deferring flag changes for a folder until EndBatch.
func (a *Account) BeginBatch(ctx context.Context, path string) error {
	_, err := locked(ctx, a, func(ctx context.Context) (struct{}, error) {
		fs, err := a.mirror.Folder(ctx, path)
		if err != nil {
			return struct{}{}, err
		}
		if fs.Batching {
			a.log.Warn("flag batch already active for folder", slog.String("folder", path))
			return struct{}{}, fmt.Errorf("%w: folder %s", ErrBatchActive, path)
		}
		if a.cfg.ExclusiveBatch {
			for other := range a.batches {
				a.log.Warn("flag batch active for other folder", slog.String("folder", path), slog.String("batchfolder", other))
				return struct{}{}, fmt.Errorf("%w: folder %s", ErrBatchActive, other)
			}
		}
		fs.Batching = true
		if err := a.mirror.Save(ctx, &fs); err != nil {
			return struct{}{}, err
		}
		a.batches[path] = newBatch()
		a.log.Debug("flag batch started", slog.String("folder", path))
		return struct{}{}, nil
	})
	return err
}

// EndBatch sends the deferred flag changes of a folder, one STORE command per
// group of UIDs with the same change. The batch is ended even if sending fails.
func (a *Account) EndBatch(ctx context.Context, path string) error {
	_, err := locked(ctx, a, func(ctx context.Context) (struct{}, error) {
		fs, err := a.mirror.Folder(ctx, path)
		if err != nil {
			return struct{}{}, err
		}
		b := a.batches[path]
		delete(a.batches, path)
		if fs.Batching {
			fs.Batching = false
			if err := a.mirror.Save(ctx, &fs); err != nil {
				return struct{}{}, err
			}
		}
		if b == nil || len(b.pending) == 0 {
			a.log.Debug("flag batch ended without changes", slog.String("folder", path))
			return struct{}{}, nil
		}
		if err := a.flush(ctx, path, b); err != nil {
			a.log.Errorx("sending batched flag changes", err, slog.String("folder", path))
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

func (a *Account) flush(ctx context.Context, path string, b *batch) error {
	f, err := a.open(ctx, path)
	if err != nil {
		return err
	}
	// Saved for a lowered set ceiling, also when a later group fails.
	defer func() {
		err := a.mirror.Save(ctx, &f.fs)
		a.log.Check(err, "saving folder state after flag batch")
	}()

	add, remove := b.groups()
	for _, g := range []struct {
		op     string
		groups map[mailstore.Flags][]uint32
	}{{"+", add}, {"-", remove}} {
		masks := maps.Keys(g.groups)
		slices.Sort(masks)
		for _, mask := range masks {
			if err := a.storeGroup(f.c, &f.fs, g.op, mask, g.groups[mask]); err != nil {
				return err
			}
		}
	}
	return nil
}

// storeGroup changes flags for uids, with as few STORE commands as the set
// ceiling allows. If the server rejects a command, the ceiling is lowered once,
// to half the rejected set, and the remaining UIDs are sent with the new
// ceiling.
func (a *Account) storeGroup(c *imapclient.Conn, fs *mirror.FolderState, op string, mask mailstore.Flags, uids []uint32) error {
	ceiling := fs.SetCeiling
	if ceiling <= 0 {
		ceiling = a.cfg.SetCeiling
	}
	sets := imapclient.SplitSet(uids, ceiling)
	var lowered bool
	for i := 0; i < len(sets); i++ {
		metrics.FlagStoreInc("batch")
		_, err := store(c, op, sets[i], mask)
		if err == nil {
			continue
		}
		if lowered || !errors.Is(err, imapclient.ErrRejected) && !errors.Is(err, imapclient.ErrSyntax) {
			return a.sess.Failed(err)
		}
		lowered = true
		ceiling = max(min(ceiling, len(sets[i]))/2, minSetCeiling)
		fs.SetCeiling = ceiling
		a.log.Infox("store rejected, lowering set ceiling", err, slog.String("folder", fs.Path), slog.Int("ceiling", ceiling))

		var rest []uint32
		for _, s := range sets[i:] {
			l, err := imapclient.ExpandSet(s)
			if err != nil {
				return fmt.Errorf("expanding set: %v", err)
			}
			rest = append(rest, l...)
		}
		sets = append(sets[:i], imapclient.SplitSet(rest, ceiling)...)
		i--
	}
	return nil
}

func store(c *imapclient.Conn, op, set string, flags mailstore.Flags) (imapclient.Response, error) {
	if op == "+" {
		return c.UIDStoreFlagsAdd(set, true, flags.Names()...)
	}
	return c.UIDStoreFlagsClear(set, true, flags.Names()...)
}

// ChangeFlags changes flags of messages. If the folder is batching, the
// changes are recorded and sent by EndBatch. Otherwise they are sent
// immediately, with at most two STORE commands per message.
func (a *Account) ChangeFlags(ctx context.Context, path string, changes []mailstore.FlagChange) error {
	_, err := locked(ctx, a, func(ctx context.Context) (struct{}, error) {
		if b := a.batches[path]; b != nil {
			for _, fc := range changes {
				b.change(fc)
			}
			return struct{}{}, nil
		}

		f, err := a.open(ctx, path)
		if err != nil {
			return struct{}{}, err
		}
		for _, fc := range changes {
			set := fmt.Sprintf("%d", fc.UID)
			if add := fc.Add(); add != 0 {
				metrics.FlagStoreInc("immediate")
				if _, err := store(f.c, "+", set, add); err != nil {
					return struct{}{}, a.sess.Failed(err)
				}
			}
			if remove := fc.Remove(); remove != 0 {
				metrics.FlagStoreInc("immediate")
				if _, err := store(f.c, "-", set, remove); err != nil {
					return struct{}{}, a.sess.Failed(err)
				}
			}
		}
		return struct{}{}, nil
	})
	return err
}

// ResolveFlags returns the current flags for messages. The server is queried
// with a search per flag. Seen is determined by searching for seen or for
// unseen messages, whichever is expected to match fewer messages.
func (a *Account) ResolveFlags(ctx context.Context, path string, uids []uint32) (map[uint32]mailstore.Flags, error) {
	return locked(ctx, a, func(ctx context.Context) (rflags map[uint32]mailstore.Flags, rerr error) {
		start := time.Now()
		defer func() {
			metrics.SyncObserve("flags", rerr, start)
		}()

		candidates := slices.Clone(uids)
		slices.Sort(candidates)
		candidates = slices.Compact(candidates)
		if len(candidates) == 0 {
			return map[uint32]mailstore.Flags{}, nil
		}

		f, err := a.open(ctx, path)
		if err != nil {
			return nil, err
		}
		flags := make([]mailstore.Flags, len(candidates))
		search := func(criteria string, flag mailstore.Flags, matching bool) ([]uint32, error) {
			resp, err := f.c.UIDSearch(criteria)
			if err != nil {
				return nil, a.sess.Failed(err)
			}
			result := imapclient.SearchUIDs(resp)
			slices.Sort(result)
			mark(flags, candidates, result, flag, matching)
			return result, nil
		}

		seenSearch := float64(f.fs.Unseen) > float64(f.fs.Total)*a.cfg.SeenSearchRatio
		exists := int(a.sess.Mailbox().Exists)
		if seenSearch {
			seen, err := search("seen", mailstore.FlagSeen, true)
			if err != nil {
				return nil, err
			}
			f.fs.Unseen = max(exists-len(seen), 0)
		} else {
			unseen, err := search("unseen", mailstore.FlagSeen, false)
			if err != nil {
				return nil, err
			}
			f.fs.Unseen = len(unseen)
		}
		f.fs.Total = exists
		if _, err := search("answered", mailstore.FlagAnswered, true); err != nil {
			return nil, err
		}
		if _, err := search("flagged", mailstore.FlagFlagged, true); err != nil {
			return nil, err
		}
		if keywordsAllowed(a.sess.Mailbox(), "$Forwarded") {
			if _, err := search("keyword $Forwarded", mailstore.FlagForwarded, true); err != nil {
				return nil, err
			}
		}
		if err := a.mirror.Save(ctx, &f.fs); err != nil {
			return nil, err
		}

		r := make(map[uint32]mailstore.Flags, len(candidates))
		for i, uid := range candidates {
			r[uid] = flags[i]
		}
		a.log.Debug("flags resolved",
			slog.String("folder", path),
			slog.Int("messages", len(candidates)),
			slog.Bool("seensearch", seenSearch))
		return r, nil
	})
}

// mark sets flag for the candidates that are in result if matching is true,
// or that are not in result if matching is false. Both candidates and result
// must be sorted ascending. flags has the flags for each candidate.
func mark(flags []mailstore.Flags, candidates, result []uint32, flag mailstore.Flags, matching bool) {
	j := 0
	for i, uid := range candidates {
		for j < len(result) && result[j] < uid {
			j++
		}
		found := j < len(result) && result[j] == uid
		if found == matching {
			flags[i] |= flag
		}
	}
}

// keywordsAllowed returns whether keyword can be stored in the mailbox
// according to its PERMANENTFLAGS.
func keywordsAllowed(mb imapclient.Mailbox, keyword string) bool {
	for _, f := range mb.PermanentFlags {
		if f == `\*` || strings.EqualFold(f, keyword) {
			return true
		}
	}
	return false
}
