package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLocked is returned when a running process holds the pair.
var ErrLocked = errors.New("pair is locked")

// Lock is an exclusive claim on a repository pair shared by every process
// using the same journal.
type Lock struct {
	j    *Journal
	pair string
	pid  int
}

// Lock claims pair for this process. A claim left behind by a process that
// no longer runs is taken over.
func (j *Journal) Lock(ctx context.Context, pair string) (*Lock, error) {
	conn, err := j.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", pair, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("lock %s: %w", pair, err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, err := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
				j.log.Warn("rollback failed", "pair", pair, "err", err)
			}
		}
	}()

	var holder int
	err = conn.QueryRowContext(ctx, "SELECT pid FROM locks WHERE pair = ?", pair).Scan(&holder)
	switch {
	case err == nil:
		if processAlive(holder) {
			return nil, fmt.Errorf("%w: %s is held by pid %d", ErrLocked, pair, holder)
		}
		j.log.Warn("taking over stale lock", "pair", pair, "pid", holder)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("lock %s: %w", pair, err)
	}

	pid := os.Getpid()
	if _, err := conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO locks (pair, pid, acquired_at) VALUES (?, ?, ?)",
		pair, pid, j.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("lock %s: %w", pair, err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("lock %s: %w", pair, err)
	}
	committed = true

	j.log.Debug("pair locked", "pair", pair)
	return &Lock{j: j, pair: pair, pid: pid}, nil
}

// Release drops the claim unless another process took it over meanwhile.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.j.db.ExecContext(context.WithoutCancel(ctx),
		"DELETE FROM locks WHERE pair = ? AND pid = ?", l.pair, l.pid)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.pair, err)
	}
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
