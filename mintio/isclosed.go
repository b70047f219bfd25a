package mintio

// In separate file because of import of syscall.

import (
	"errors"
	"net"
	"syscall"
)

// IsClosed returns whether i/o failed because the connection is closed or
// otherwise unusable for further i/o. Used to log less for gone remotes.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || isRemoteTLSError(err)
}

// A remote TLS client can send an alert indicating failure, which surfaces
// here as a write error.
func isRemoteTLSError(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr) && netErr.Op == "remote error"
}

// IsStorageSpace returns whether the error is a storage space issue: disk
// full, no inodes, fs quota reached.
func IsStorageSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}
