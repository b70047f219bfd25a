package mint

import (
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique connection/operation id, for correlating log lines.
func Cid() int64 {
	return cid.Add(1)
}
