// Package mirror keeps well-known snapshot files equal to the last complete line
// of a decoder's streaming output.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/skyrelay/internal/metrics"
)

// DefaultPoll is the fallback polling interval.
const DefaultPoll = time.Second

// maxLine bounds how far back LastCompleteLine searches.
const maxLine = 4 << 20

// Mirror copies the last complete line of Source into Snapshot. It implements
// suture.Service.
type Mirror struct {
	Name     string
	Source   string
	Snapshot string
	Poll     time.Duration
	Logger   *slog.Logger

	last    []byte
	hasLast bool
}

func (m *Mirror) String() string { return "mirror:" + m.Name }

// Serve watches the source directory and syncs on every write, create or rename
// of the source, plus on each poll tick. A missing source is waited for.
func (m *Mirror) Serve(ctx context.Context) error {
	log := m.logger()
	poll := m.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable, polling only", "mirror", m.Name, "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
		events, errs = watcher.Events, watcher.Errors
	}
	dir := filepath.Dir(m.Source)
	watching := false
	watch := func() {
		if watcher == nil || watching {
			return
		}
		if err := watcher.Add(dir); err == nil {
			watching = true
		}
	}
	watch()

	tick := time.NewTicker(poll)
	defer tick.Stop()
	m.syncLogged(log)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.Source) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.syncLogged(log)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Debug("watcher error", "mirror", m.Name, "error", err)
		case <-tick.C:
			watch()
			m.syncLogged(log)
		}
	}
}

func (m *Mirror) syncLogged(log *slog.Logger) {
	if _, err := m.Sync(); err != nil {
		log.Warn("mirror sync failed", "mirror", m.Name, "error", err)
	}
}

// Sync rewrites the snapshot when the source's last complete line changed.
// It reports whether the snapshot was written.
func (m *Mirror) Sync() (bool, error) {
	line, ok, err := LastCompleteLine(m.Source)
	if err != nil || !ok {
		return false, err
	}
	if m.hasLast && bytes.Equal(line, m.last) {
		return false, nil
	}
	if err := writeAtomic(m.Snapshot, append(line, '\n')); err != nil {
		return false, err
	}
	m.last, m.hasLast = line, true
	metrics.IncMirrorUpdate(m.Name)
	return true, nil
}

func (m *Mirror) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// LastCompleteLine returns the last newline-terminated line of path without the
// newline. A missing file or a file without a complete line yields ok=false.
func LastCompleteLine(path string) (line []byte, ok bool, err error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	size := fi.Size()
	if size == 0 {
		return nil, false, nil
	}

	window := int64(64 << 10)
	for {
		if window > size {
			window = size
		}
		buf := make([]byte, window)
		if _, err := f.ReadAt(buf, size-window); err != nil && !errors.Is(err, io.EOF) {
			return nil, false, err
		}
		end := bytes.LastIndexByte(buf, '\n')
		if end < 0 {
			if window == size || window >= maxLine {
				return nil, false, nil
			}
			window *= 2
			continue
		}
		start := bytes.LastIndexByte(buf[:end], '\n')
		if start >= 0 || window == size {
			l := buf[start+1 : end]
			return bytes.TrimSuffix(l, []byte{'\r'}), true, nil
		}
		if window >= maxLine {
			return nil, false, nil
		}
		window *= 2
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
