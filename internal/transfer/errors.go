package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStable means the source changed while it was being transferred.
	// The file is retried on a later pass.
	ErrNotStable = errors.New("source changed during transfer")
	// ErrChecksumMismatch is matched by every *ChecksumError.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSameLocation is a configuration error: source and target are one directory.
	ErrSameLocation = errors.New("source and target resolve to the same location")
	// ErrTooManyFailures is matched by every *AbortError.
	ErrTooManyFailures = errors.New("too many consecutive failures")
	// ErrNoCommonChecksum means source and target share no checksum algorithm.
	ErrNoCommonChecksum = errors.New("no checksum algorithm supported by both sides")
)

// ChecksumError reports differing digests of a transferred file.
type ChecksumError struct {
	Path      string
	Algorithm string
	Source    string
	Target    string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s checksum mismatch for %s: source %s, target %s", e.Algorithm, e.Path, e.Source, e.Target)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// AbortError ends a pass after too many consecutive failures.
type AbortError struct {
	Failures  int
	Processed int
	Scheduled int
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted after %d consecutive failures: %d of %d scheduled files processed",
		e.Failures, e.Processed, e.Scheduled)
}

func (e *AbortError) Is(target error) bool { return target == ErrTooManyFailures }
