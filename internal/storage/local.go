package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/Roelanb/limsnode/internal/rules"
)

// Local is a storage rooted at a directory of the local filesystem. Every
// path resolves to a real local path, which lets the engine copy directly.
type Local struct {
	root   string
	server string
	fs     afero.Fs
}

// NewLocal returns a local storage rooted at root. server is reported in the
// access info so users know which host holds the data.
func NewLocal(root, server string) (*Local, error) {
	if root == "" {
		return nil, errors.New("local storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	return &Local{
		root:   abs,
		server: server,
		fs:     afero.NewBasePathFs(afero.NewOsFs(), abs),
	}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) Stat(ctx context.Context, rel string) (FileInfo, error) {
	rel, err := cleanRel(rel)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := l.fs.Stat(rel)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	return FileInfo{Path: rel, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *Local) Checksum(ctx context.Context, rel, algorithm string) (string, error) {
	rel, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	f, err := l.fs.Open(rel)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	return hashReader(ctxReader{ctx: ctx, r: f}, algorithm)
}

func (l *Local) SupportedChecksums() []string { return []string{SHA256, MD5} }

func (l *Local) ResolveLocalPath(rel string) (string, bool) {
	rel, err := cleanRel(rel)
	if err != nil {
		return "", false
	}
	return filepath.Join(l.root, filepath.FromSlash(rel)), true
}

// Put copies localSrc into the storage through a temporary file in the
// destination directory, renamed into place once synced.
func (l *Local) Put(ctx context.Context, rel, localSrc string) (err error) {
	rel, err = cleanRel(rel)
	if err != nil {
		return err
	}
	sf, err := os.Open(localSrc)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer sf.Close()

	dir, base := path.Split(rel)
	if dir == "" {
		dir = "."
	}
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir dest: %w", err)
	}
	tmp, err := afero.TempFile(l.fs, dir, InternalPrefix+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if err != nil {
			_ = l.fs.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, ctxReader{ctx: ctx, r: sf}); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err = l.fs.Rename(tmpName, rel); err != nil {
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// Get copies the file at rel to the local path localDst.
func (l *Local) Get(ctx context.Context, rel, localDst string) error {
	rel, err := cleanRel(rel)
	if err != nil {
		return err
	}
	f, err := l.fs.Open(rel)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	return writeLocalAtomic(ctx, f, localDst)
}

// Delete removes rel. A file that is already gone is not an error.
func (l *Local) Delete(ctx context.Context, rel string) error {
	rel, err := cleanRel(rel)
	if err != nil {
		return err
	}
	fi, err := l.fs.Stat(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", rel)
	}
	return l.fs.Remove(rel)
}

// Enumerate walks the whole tree and matches it against rs. A missing root
// yields no matches.
func (l *Local) Enumerate(ctx context.Context, rs *rules.RuleSet) ([]Match, error) {
	if _, err := os.Stat(l.root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var infos []FileInfo
	err := afero.Walk(l.fs, "/", func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			// files can vanish while the instrument is still writing
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel := strings.TrimPrefix(filepath.ToSlash(p), "/")
		infos = append(infos, FileInfo{Path: rel, Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", l.root, err)
	}
	return matchInfos(infos, rs), nil
}

func (l *Local) IsColocated(other Target, rel, otherRel string) bool {
	mine, ok := l.ResolveLocalPath(rel)
	if !ok {
		return false
	}
	theirs, ok := other.ResolveLocalPath(otherRel)
	if !ok {
		return false
	}
	if filepath.Clean(mine) == filepath.Clean(theirs) {
		return true
	}
	a, errA := os.Stat(mine)
	b, errB := os.Stat(theirs)
	return errA == nil && errB == nil && os.SameFile(a, b)
}

func (l *Local) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("mkdir root: %w", err)
	}
	return nil
}

func (l *Local) Accessible(ctx context.Context) bool {
	fi, err := os.Stat(l.root)
	return err == nil && fi.IsDir()
}

func (l *Local) AccessInfo(ctx context.Context) (AccessInfo, error) {
	return AccessInfo{Target: l.server, Path: l.root}, nil
}

func (l *Local) Purge(ctx context.Context) error {
	if err := os.RemoveAll(l.root); err != nil {
		return fmt.Errorf("purge %s: %w", l.root, err)
	}
	return nil
}

// writeLocalAtomic streams r into dst via a synced temporary sibling.
func writeLocalAtomic(ctx context.Context, r io.Reader, dst string) (err error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir dest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, InternalPrefix+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err = io.Copy(tmp, ctxReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// ctxReader stops a long copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
