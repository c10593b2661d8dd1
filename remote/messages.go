package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mjl-/imapmirror/imapclient"
	"github.com/mjl-/imapmirror/mailstore"
)

// FetchMessage returns the contents of a message. A mirrored body is returned
// without contacting the server. Otherwise the message is fetched and added to
// the mirror.
func (a *Account) FetchMessage(ctx context.Context, path string, uid uint32) ([]byte, error) {
	return locked(ctx, a, func(ctx context.Context) ([]byte, error) {
		buf, err := a.mirror.ReadBody(path, uid)
		if err == nil {
			return buf, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		f, err := a.open(ctx, path)
		if err != nil {
			return nil, err
		}
		resp, err := f.c.UIDFetch(fmt.Sprintf("%d", uid), "(UID BODY.PEEK[])")
		if err != nil {
			return nil, a.sess.Failed(err)
		}
		for _, ut := range imapclient.UntaggedResponseList[imapclient.UntaggedFetch](resp) {
			if xuid, ok := imapclient.FetchAttrGet[imapclient.FetchUID](ut); !ok || uint32(xuid) != uid {
				continue
			}
			body, ok := imapclient.FetchAttrGet[imapclient.FetchBody](ut)
			if !ok || body.Section != "" {
				continue
			}
			data := []byte(body.Body)
			if err := a.mirror.WriteBody(path, uid, data); err != nil {
				return nil, err
			}
			if !f.fs.Has(uid) {
				f.fs.Merge(uid)
				if err := a.mirror.Save(ctx, &f.fs); err != nil {
					return nil, err
				}
			}
			return data, nil
		}
		return nil, fmt.Errorf("%w: uid %d in %s", ErrUnknownMessage, uid, path)
	})
}

// AddMessages appends messages to a folder. The UIDs of the new messages are
// returned if the server reports them, and 0 otherwise. Reported UIDs are added
// to the mirrored state and bodies if the folder was synced before with the same
// UIDVALIDITY. Otherwise the folder is marked for a rescan.
func (a *Account) AddMessages(ctx context.Context, path string, msgs []mailstore.Message) ([]uint32, error) {
	return locked(ctx, a, func(ctx context.Context) ([]uint32, error) {
		fs, err := a.mirror.Folder(ctx, path)
		if err != nil {
			return nil, err
		}
		name, err := a.serverName(ctx, path)
		if err != nil {
			return nil, err
		}
		c, err := a.sess.Conn(ctx)
		if err != nil {
			return nil, err
		}

		var uids []uint32
		var rerr error
		for _, m := range msgs {
			app := imapclient.Append{Flags: m.Flags.Names(), Data: m.Data}
			if !m.Received.IsZero() {
				app.Received = &m.Received
			}
			resp, err := c.Append(name, app)
			if err != nil {
				rerr = a.sess.Failed(err)
				break
			}
			code, ok := resp.Code.(imapclient.CodeAppendUID)
			if !ok || code.UIDs.First == 0 {
				fs.NeedRescan = true
				uids = append(uids, 0)
				continue
			}
			uid := code.UIDs.First
			uids = append(uids, uid)
			if code.UIDValidity != fs.UIDValidity {
				// The mirrored state is from another generation, or there is none yet.
				fs.NeedRescan = true
				continue
			}
			fs.Merge(uid)
			fs.UIDNext = max(fs.UIDNext, uid+1)
			if err := a.mirror.WriteBody(path, uid, m.Data); err != nil {
				rerr = err
				break
			}
		}
		if err := a.mirror.Save(ctx, &fs); err != nil && rerr == nil {
			rerr = err
		}
		a.log.Debug("messages added", slog.String("folder", path), slog.Any("uids", uids), slog.Bool("rescan", fs.NeedRescan))
		return uids, rerr
	})
}

// CopyMessages copies messages to another folder. The returned map has the UIDs
// of the copies by original UID, if the server reports them. Mirrored bodies
// are linked into the destination folder.
func (a *Account) CopyMessages(ctx context.Context, src string, uids []uint32, dst string) (map[uint32]uint32, error) {
	return locked(ctx, a, func(ctx context.Context) (map[uint32]uint32, error) {
		if len(uids) == 0 {
			return nil, nil
		}
		dstName, err := a.serverName(ctx, dst)
		if err != nil {
			return nil, err
		}
		f, err := a.open(ctx, src)
		if err != nil {
			return nil, err
		}
		resp, err := f.c.UIDCopy(imapclient.CompactSet(uids), dstName)
		if err != nil {
			if errors.Is(err, imapclient.ErrRejected) {
				if code, ok := resp.Code.(imapclient.CodeWord); ok && code == "TRYCREATE" {
					return nil, fmt.Errorf("%w: %s: %w", ErrUnknownFolder, dst, err)
				}
			}
			return nil, a.sess.Failed(err)
		}

		dfs, err := a.mirror.Folder(ctx, dst)
		if err != nil {
			return nil, err
		}
		code, ok := resp.Code.(imapclient.CodeCopyUID)
		var mapping map[uint32]uint32
		if ok {
			mapping, err = code.Mapping()
			if err != nil {
				a.log.Infox("parsing copyuid response code", err)
			}
		}
		if mapping == nil || code.DestUIDValidity != dfs.UIDValidity {
			dfs.NeedRescan = true
		} else {
			srcUIDs := maps.Keys(mapping)
			slices.Sort(srcUIDs)
			for _, suid := range srcUIDs {
				duid := mapping[suid]
				dfs.Merge(duid)
				dfs.UIDNext = max(dfs.UIDNext, duid+1)
				if err := a.mirror.CopyBody(src, suid, dst, duid); err != nil {
					return nil, err
				}
			}
		}
		if err := a.mirror.Save(ctx, &dfs); err != nil {
			return nil, err
		}
		a.log.Debug("messages copied", slog.String("folder", src), slog.String("dstfolder", dst), slog.Int("count", len(uids)))
		return mapping, nil
	})
}

// RemoveMessages marks messages as deleted and expunges them. With UIDPLUS,
// only the given messages are expunged, otherwise all messages marked deleted.
func (a *Account) RemoveMessages(ctx context.Context, path string, uids []uint32) error {
	_, err := locked(ctx, a, func(ctx context.Context) (struct{}, error) {
		if len(uids) == 0 {
			return struct{}{}, nil
		}
		f, err := a.open(ctx, path)
		if err != nil {
			return struct{}{}, err
		}
		uidPlus := f.c.HasCap(imapclient.CapUIDPlus) || f.c.HasCap(imapclient.CapIMAP4rev2)
		ceiling := f.fs.SetCeiling
		if ceiling <= 0 {
			ceiling = a.cfg.SetCeiling
		}
		for _, set := range imapclient.SplitSet(uids, ceiling) {
			if _, err := f.c.UIDStoreFlagsAdd(set, true, `\Deleted`); err != nil {
				return struct{}{}, a.sess.Failed(err)
			}
			if uidPlus {
				if _, err := f.c.UIDExpunge(set); err != nil {
					return struct{}{}, a.sess.Failed(err)
				}
			}
		}
		if !uidPlus {
			if _, err := f.c.Expunge(); err != nil {
				return struct{}{}, a.sess.Failed(err)
			}
		}
		a.sess.SetContentChanged()

		f.fs.Remove(uids...)
		if err := a.mirror.RemoveBodies(path, uids...); err != nil {
			return struct{}{}, err
		}
		if err := a.mirror.Save(ctx, &f.fs); err != nil {
			return struct{}{}, err
		}
		a.log.Debug("messages removed", slog.String("folder", path), slog.Int("count", len(uids)))
		return struct{}{}, nil
	})
	return err
}
