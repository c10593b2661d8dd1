package mirror

import (
	"fmt"
	"io"
	"os"

	"github.com/mjl-/imapmirror/mlog"
)

// linkOrCopy makes a hardlink dst to src. If that fails, e.g. because the file
// system does not support hardlinks, the file is copied instead. If sync is
// true, a copied file is synced to disk. A partially written dst is removed.
func linkOrCopy(log mlog.Log, dst, src string, sync bool) (rerr error) {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	} else if os.IsNotExist(err) {
		return err
	}

	sf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		err := sf.Close()
		log.Check(err, "closing copied source file")
	}()

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if df != nil {
			err := os.Remove(dst)
			log.Check(err, "removing partial destination file")
			err = df.Close()
			log.Check(err, "closing partial destination file")
		}
	}()

	if _, err := io.Copy(df, sf); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if sync {
		if err := df.Sync(); err != nil {
			return fmt.Errorf("sync destination: %w", err)
		}
	}
	err = df.Close()
	df = nil
	if err != nil {
		xerr := os.Remove(dst)
		log.Check(xerr, "removing partial destination file")
		return err
	}
	return nil
}

// syncDir syncs the directory entries to disk, after adding a file.
func syncDir(log mlog.Log, dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	xerr := d.Close()
	log.Check(xerr, "closing directory after sync")
	return err
}
