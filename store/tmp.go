package store

import (
	"os"

	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
)

// CreateMessageTemp creates a temporary file, e.g. for an incoming delivery.
// The file is created in subdirectory tmp of the data directory, so it is on
// the same file system as the accounts directory and renaming into place can
// succeed. The caller is responsible for closing and possibly removing the
// file. The caller should ensure the contents of the file are synced to disk
// before attempting to deliver the message.
func CreateMessageTemp(pattern string) (*os.File, error) {
	dir := mint.DataDirPath("tmp")
	os.MkdirAll(dir, 0770)
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(0660); err != nil {
		xerr := f.Close()
		pkglog.Check(xerr, "closing temp message file after chmod error")
		xerr = os.Remove(f.Name())
		pkglog.Check(xerr, "removing temp message file after chmod error")
		return nil, err
	}
	return f, nil
}
