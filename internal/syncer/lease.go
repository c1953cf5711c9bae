package syncer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/process"
)

// newOwner names this engine in the sync lease: host, process id and a
// random suffix so two engines in one process never share a lease.
func newOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
}

// holderGone reports whether the lease holder is a process on this host that
// no longer runs. Holders on other hosts, in this process, or with an
// unreadable name are treated as alive.
func holderGone(holder string) bool {
	parts := strings.SplitN(holder, "/", 3)
	if len(parts) != 3 {
		return false
	}
	host, err := os.Hostname()
	if err != nil || parts[0] != host {
		return false
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return !exists
}

// Owner returns the name this engine uses in the sync lease.
func (e *Engine) Owner() string {
	return e.owner
}

// holdLease claims or renews the sync lease. Callers hold cycleMu.
func (e *Engine) holdLease(ctx context.Context) error {
	if _, err := e.store.AcquireSyncLease(ctx, e.owner, e.now(), e.leaseTTL, e.holderGone); err != nil {
		return err
	}
	return nil
}

// Release gives up the sync lease so another process may sync at once.
func (e *Engine) Release(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.store.ReleaseSyncLease(ctx, e.owner)
}
