package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNotFound is returned when no record exists for a name.
var ErrNotFound = errors.New("pid record not found")

// Meta is optional information stored on the second line of a pid file.
type Meta struct {
	Name      string `json:"name,omitempty"`
	Command   string `json:"command,omitempty"`
	StartUnix int64  `json:"start_unix,omitempty"`
}

// Record is the parsed content of one pid file.
type Record struct {
	PID  int
	Meta Meta
}

// Write atomically writes rec to path: temp file in the same directory, then rename.
func Write(path string, rec Record) error {
	if rec.PID <= 0 {
		return fmt.Errorf("invalid pid %d", rec.PID)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(rec.PID))
	b.WriteByte('\n')
	if rec.Meta != (Meta{}) {
		mb, err := json.Marshal(rec.Meta)
		if err != nil {
			return err
		}
		b.Write(mb)
		b.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Read parses a pid file. The first line is the pid; an optional JSON meta line may follow.
// Unparseable meta is ignored.
func Read(path string) (Record, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return Record{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	rec := Record{PID: pid}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		var m Meta
		if json.Unmarshal([]byte(rest), &m) == nil {
			rec.Meta = m
		}
	}
	return rec, nil
}

// Remove deletes path. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Store keeps one pid file per service name inside Dir.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store { return &Store{Dir: dir} }

// Path returns the pid file path for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.Dir, name+".pid")
}

func (s *Store) Write(name string, rec Record) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return Write(s.Path(name), rec)
}

func (s *Store) Read(name string) (Record, error) {
	if err := ValidateName(name); err != nil {
		return Record{}, err
	}
	return Read(s.Path(name))
}

// Clear removes the record for name regardless of prior state.
func (s *Store) Clear(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return Remove(s.Path(name))
}

// List returns the names that currently have a record, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, ".pid") {
			continue
		}
		names = append(names, strings.TrimSuffix(n, ".pid"))
	}
	sort.Strings(names)
	return names, nil
}

// ValidateName allows [A-Za-z0-9._-] and rejects "..".
func ValidateName(name string) error {
	if name == "" {
		return errors.New("empty service name")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid service name %q", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("invalid service name %q", name)
		}
	}
	return nil
}
