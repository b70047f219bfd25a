package queue

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
)

func retentionWindow() time.Duration {
	days := mint.Conf.Static.Queue.RetentionDays
	if days <= 0 {
		days = 14
	}
	return time.Duration(days) * 24 * time.Hour
}

// cleanupLoop runs cleanup shortly after startup and then hourly, until
// shutdown.
func cleanupLoop(log mlog.Log) {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()
	for {
		select {
		case <-mint.Shutdown.Done():
			return
		case <-timer.C:
		}
		cleanup(log)
		timer.Reset(time.Hour)
	}
}

// cleanup removes retired queue messages past the retention window, and
// leftover files in the temp directory that were never cleaned up, e.g.
// after a crash during delivery.
func cleanup(log mlog.Log) {
	cutoff := time.Now().Add(-retentionWindow())

	n, err := bstore.QueryDB[MsgRetired](mint.Context, DB).FilterLess("LastActivity", cutoff).Delete()
	if err != nil {
		log.Errorx("removing retired messages past retention", err)
	} else if n > 0 {
		log.Debug("removed retired messages past retention", slog.Int("count", n))
	}

	tmpDir := mint.DataDirPath("tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorx("listing temp directory for cleanup", err)
		}
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			p := filepath.Join(tmpDir, e.Name())
			err := os.Remove(p)
			log.Check(err, "removing expired temp file", slog.String("path", p))
		}
	}
}
