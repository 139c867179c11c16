// Package storage provides the uniform source/target capability interfaces
// over which the transfer engine moves files, with a local filesystem
// backend and a remote ticket based object store backend.
package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/Roelanb/limsnode/internal/rules"
)

// ErrNotExist is returned (wrapped) when a path is absent from a storage.
var ErrNotExist = fs.ErrNotExist

// InternalPrefix starts the names of bookkeeping artifacts (ledgers, relay
// and partial files). Such files are never picked up for transfer.
const InternalPrefix = "_"

// Checksum algorithm names.
const (
	SHA256 = "sha256"
	MD5    = "md5"
)

// FileInfo is what a storage knows about one file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Match is one enumerated file claimed by a rule.
type Match struct {
	Path string
	Rule *rules.Rule
	// Primary is the file that claimed Path's companion group.
	Primary string
	ModTime time.Time
	Size    int64
}

// FileError is a failure tied to one file of a batch.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e FileError) Unwrap() error { return e.Err }

// AccessInfo tells LIMS users where the experiment data can be reached.
type AccessInfo struct {
	Target string `json:"Target"`
	Path   string `json:"Path"`
	Token  string `json:"Token"`
}

// Target is the receiving side of a transfer. Paths are relative and '/'
// separated.
type Target interface {
	Stat(ctx context.Context, rel string) (FileInfo, error)
	Checksum(ctx context.Context, rel, algorithm string) (string, error)
	// SupportedChecksums lists algorithms in order of preference.
	SupportedChecksums() []string
	// ResolveLocalPath returns the local filesystem path backing rel, if any.
	ResolveLocalPath(rel string) (string, bool)
	// Put stores the local file localSrc at rel.
	Put(ctx context.Context, rel, localSrc string) error
	// IsColocated reports whether rel here and otherRel on other are the
	// same underlying file.
	IsColocated(other Target, rel, otherRel string) bool
}

// Source is a Target that can also be enumerated, read and cleaned up.
type Source interface {
	Target
	Enumerate(ctx context.Context, rs *rules.RuleSet) ([]Match, error)
	Delete(ctx context.Context, rel string) error
	// Get writes the file at rel to the local path localDst.
	Get(ctx context.Context, rel, localDst string) error
}

// Backend is a storage that can hold a whole experiment.
type Backend interface {
	Source
	Prepare(ctx context.Context) error
	Accessible(ctx context.Context) bool
	AccessInfo(ctx context.Context) (AccessInfo, error)
	// Purge removes every file of the experiment.
	Purge(ctx context.Context) error
}

// MetadataAttacher is implemented by backends that can label a collection
// with key/value metadata.
type MetadataAttacher interface {
	AttachMetadata(ctx context.Context, meta map[string]any) error
}

// PickChecksum returns the first algorithm of src that dst also supports.
func PickChecksum(src, dst Target) (string, bool) {
	theirs := map[string]struct{}{}
	for _, a := range dst.SupportedChecksums() {
		theirs[a] = struct{}{}
	}
	for _, a := range src.SupportedChecksums() {
		if _, ok := theirs[a]; ok {
			return a, true
		}
	}
	return "", false
}

// IsInternal reports whether rel names a bookkeeping artifact.
func IsInternal(rel string) bool {
	return strings.HasPrefix(path.Base(rel), InternalPrefix)
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// hashReader digests r with the named algorithm.
func hashReader(r io.Reader, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// matchInfos applies a rule set to a listing and attaches stat data.
func matchInfos(infos []FileInfo, rs *rules.RuleSet) []Match {
	byPath := make(map[string]FileInfo, len(infos))
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		byPath[fi.Path] = fi
		names = append(names, fi.Path)
	}
	matched := rs.Match(names)
	out := make([]Match, 0, len(matched))
	for _, m := range matched {
		fi := byPath[m.Path]
		out = append(out, Match{Path: m.Path, Rule: m.Rule, Primary: m.Primary, ModTime: fi.ModTime, Size: fi.Size})
	}
	return out
}

// cleanRel normalizes a relative path and rejects escapes from the root.
func cleanRel(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	c := path.Clean("/" + rel)
	c = strings.TrimPrefix(c, "/")
	if c == "" {
		c = "."
	}
	if strings.HasPrefix(path.Clean(rel), "../") || path.Clean(rel) == ".." {
		return "", fmt.Errorf("path %q escapes storage root", rel)
	}
	return c, nil
}
