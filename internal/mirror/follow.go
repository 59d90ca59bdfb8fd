package mirror

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tail returns up to n last lines of path and the offset just past them.
// A missing file yields no lines and offset 0.
func Tail(path string, n int) ([]string, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, max(n, 0))
	var offset int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		offset += int64(len(line))
		if line != "" && n > 0 {
			if len(ring) == n {
				ring = ring[1:]
			}
			ring = append(ring, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ring, offset, nil
			}
			return nil, 0, err
		}
	}
}

// Follow copies bytes appended to path after offset into w until ctx is done.
// A truncated file is re-read from the start.
func Follow(ctx context.Context, path string, offset int64, w io.Writer, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPoll
	}
	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = watcher.Close() }()
		if watcher.Add(filepath.Dir(path)) == nil {
			events = watcher.Events
		}
	}
	tick := time.NewTicker(poll)
	defer tick.Stop()

	copyNew := func() error {
		f, err := os.Open(filepath.Clean(path))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		defer func() { _ = f.Close() }()
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		if fi.Size() < offset {
			offset = 0
		}
		if fi.Size() == offset {
			return nil
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		n, err := io.Copy(w, f)
		offset += n
		return err
	}

	if err := copyNew(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case <-tick.C:
		}
		if err := copyNew(); err != nil {
			return err
		}
	}
}
