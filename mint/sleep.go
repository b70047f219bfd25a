package mint

import (
	"context"
	"time"
)

// Sleep for d, but return as soon as ctx is done.
//
// Used for pauses in SMTP and for retry intervals in the queue.
func Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
}
