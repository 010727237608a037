package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

// ReportInterval is the minimum time between two progress reports of one copy.
const ReportInterval = 250 * time.Millisecond

// Progress describes an in-flight or finished copy.
type Progress struct {
	Filename string
	Copied   int64
	Total    int64
	Elapsed  time.Duration
}

// Velocity returns bytes per second, or zero when nothing can be measured yet.
func (p Progress) Velocity() float64 {
	if p.Elapsed <= 0 || p.Copied == 0 {
		return 0
	}
	return float64(p.Copied) / p.Elapsed.Seconds()
}

// Done reports whether every byte has been copied.
func (p Progress) Done() bool {
	return p.Copied >= p.Total
}

// Monitor receives throttled progress of a single copy.
type Monitor func(Progress)

// CopyFile streams filename from base into dst under the same name.
// The first and the final report are always delivered; intermediate ones are
// throttled to ReportInterval.
func CopyFile(ctx context.Context, base, dst repository.Repository, filename string, monitor Monitor) error {
	return CopyFileTo(ctx, base, filename, dst, filename, monitor)
}

// CopyFileTo streams from base/from into dst/to.
func CopyFileTo(ctx context.Context, base repository.Repository, from string, dst repository.Repository, to string, monitor Monitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, rc, err := base.Open(ctx, from)
	if err != nil {
		return fmt.Errorf("open %s: %w", from, err)
	}
	defer rc.Close()

	start := time.Now()
	var last time.Time
	emit := func(copied int64, force bool) {
		if monitor == nil {
			return
		}
		now := time.Now()
		if !force && !last.IsZero() && now.Sub(last) < ReportInterval {
			return
		}
		last = now
		monitor(Progress{Filename: to, Copied: copied, Total: info.Length, Elapsed: now.Sub(start)})
	}

	emit(0, true)
	if err := dst.Save(ctx, to, info, rc, func(copied int64) {
		emit(copied, copied >= info.Length)
	}); err != nil {
		return fmt.Errorf("save %s: %w", to, err)
	}
	// Zero-length files never trigger the save callback.
	if info.Length == 0 {
		emit(0, true)
	}
	return nil
}
