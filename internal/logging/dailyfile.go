package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "clubfridge."
	fileSuffix = ".log"
	dayLayout  = "2006-01-02"
)

// DailyFile is an io.Writer that switches to a new file when the local date
// changes and removes the oldest files beyond the retention count.
//
// Thread-safety: Write and Close are safe for concurrent use.
type DailyFile struct {
	dir       string
	retention int
	now       func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// OpenDailyFile creates dir if needed and opens today's file for appending.
func OpenDailyFile(dir string, retention int, now func() time.Time) (*DailyFile, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	d := &DailyFile{dir: dir, retention: retention, now: now}
	if err := d.rotate(now().Format(dayLayout)); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the file currently written to.
func (d *DailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pathFor(d.day)
}

// Write appends p to the file of the current day.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return 0, os.ErrClosed
	}
	if day := d.now().Format(dayLayout); day != d.day {
		if err := d.rotate(day); err != nil {
			return 0, err
		}
	}
	return d.file.Write(p)
}

// Close closes the current file.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func (d *DailyFile) pathFor(day string) string {
	return filepath.Join(d.dir, filePrefix+day+fileSuffix)
}

// rotate switches to the file for day. Called with mu held.
func (d *DailyFile) rotate(day string) error {
	f, err := os.OpenFile(d.pathFor(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if d.file != nil {
		_ = d.file.Close()
	}
	d.file = f
	d.day = day

	// Pruning is best effort; a failure must not stop logging.
	_ = d.prune()
	return nil
}

// prune removes all but the newest retention files.
func (d *DailyFile) prune() error {
	if d.retention <= 0 {
		return nil
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}

	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	if len(days) <= d.retention {
		return nil
	}

	sort.Strings(days)
	for _, day := range days[:len(days)-d.retention] {
		if day == d.day {
			continue
		}
		if err := os.Remove(d.pathFor(day)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
