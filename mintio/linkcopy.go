package mintio

import (
	"fmt"
	"io"
	"os"

	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
)

// LinkOrCopy makes dst a hardlink to src, falling back to a regular file
// copy when linking fails (filesystem without hardlinks, or crossing
// filesystems). If srcReaderOpt is not nil it is used for reading during a
// copy. If sync is true a copied file is synced after writing; callers
// should sync the destination directory themselves, possibly after
// linking/copying multiple files. A partially written dst is removed on
// error.
func LinkOrCopy(log mlog.Log, dst, src string, srcReaderOpt io.Reader, sync bool) (rerr error) {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	} else if os.IsNotExist(err) {
		// Missing src or dst directory, copying would fail the same way.
		return err
	}

	if srcReaderOpt == nil {
		sf, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("open source file: %w", err)
		}
		defer func() {
			err := sf.Close()
			log.Check(err, "closing copied source file")
		}()
		srcReaderOpt = sf
	}

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

	if _, err := io.Copy(df, srcReaderOpt); err != nil {
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

// SyncDir opens a directory and syncs its contents to disk.
func SyncDir(log mlog.Log, dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	xerr := d.Close()
	log.Check(xerr, "closing directory after sync")
	return err
}
