package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// File is the append-only ledger file of one session. Each line is a YAML
// mapping of one path to a unix timestamp in seconds. A later line for the
// same path wins. The file is rewritten compactly when opened and created
// lazily on the first Record.
type File struct {
	path string
	lock *flock.Flock

	mu      sync.RWMutex
	entries map[string]time.Time
	out     *os.File
}

// OpenFile loads the ledger at path and takes an exclusive lock on it for
// the lifetime of the returned ledger.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir ledger dir: %w", err)
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	entries, err := readFile(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	l := &File{path: path, lock: lock, entries: entries}
	if len(entries) > 0 {
		if err := l.compact(); err != nil {
			_ = lock.Unlock()
			return nil, err
		}
	}
	return l, nil
}

// Path returns the ledger file location.
func (l *File) Path() string { return l.path }

func (l *File) Lookup(path string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	at, ok := l.entries[path]
	return at, ok
}

func (l *File) Record(path string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		l.out = f
	}
	if _, err := l.out.WriteString(encodeLine(path, at)); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := l.out.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.entries[path] = at
	return nil
}

func (l *File) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedEntries(l.entries)
}

func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.out != nil {
		err = l.out.Close()
		l.out = nil
	}
	if uerr := l.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// compact rewrites the file with one line per path.
func (l *File) compact() error {
	var buf bytes.Buffer
	for _, e := range sortedEntries(l.entries) {
		buf.WriteString(encodeLine(e.Path, e.At))
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

// ReadFile returns the entries of a ledger file without locking it.
func ReadFile(path string) ([]Entry, error) {
	m, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return sortedEntries(m), nil
}

func readFile(path string) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p, at, ok := decodeLine(sc.Text())
		if !ok {
			// a torn last line after a crash
			continue
		}
		out[p] = at
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return out, nil
}

func encodeLine(path string, at time.Time) string {
	return strconv.Quote(path) + ": " + formatStamp(at) + "\n"
}

func decodeLine(line string) (string, time.Time, bool) {
	if strings.TrimSpace(line) == "" {
		return "", time.Time{}, false
	}
	var m map[string]string
	if err := yaml.Unmarshal([]byte(line), &m); err != nil || len(m) != 1 {
		return "", time.Time{}, false
	}
	for p, v := range m {
		at, err := parseStamp(v)
		if err != nil {
			return "", time.Time{}, false
		}
		return p, at, true
	}
	return "", time.Time{}, false
}

// formatStamp renders unix seconds with nanosecond decimals.
func formatStamp(t time.Time) string {
	ns := t.UnixNano()
	sec, frac := ns/1e9, ns%1e9
	if frac < 0 {
		sec--
		frac += 1e9
	}
	return fmt.Sprintf("%d.%09d", sec, frac)
}

func parseStamp(v string) (time.Time, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(v), ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stamp %q: %w", v, err)
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	var ns int64
	if frac != "" {
		ns, err = strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse stamp %q: %w", v, err)
		}
	}
	return time.Unix(sec, ns), nil
}
