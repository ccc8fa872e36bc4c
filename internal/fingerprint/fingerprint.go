// Package fingerprint computes content-addressed fingerprints for regular
// files using a streaming, non-cryptographic hash. Fingerprints are cheap
// enough to recompute on every scan cycle and stable across runs, which is
// what lets the watcher tell "changed" from "unchanged" without keeping file
// contents around.
package fingerprint

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/cespare/xxhash/v2"
)

// chunkSize is the read buffer size used while streaming a file through the
// hash. 32 KiB amortizes syscall overhead without holding large files in
// memory.
const chunkSize = 32 * 1024

// Fingerprint is the 16-character lowercase hex digest of a file's contents.
type Fingerprint string

// SkipErrorReason enumerates why a path could not be fingerprinted without
// that being a scan failure.
type SkipErrorReason string

const (
	// ReasonPermissionDenied means the process lacked read access.
	ReasonPermissionDenied SkipErrorReason = "permission_denied"
	// ReasonVanished means the path existed moments earlier but was gone by
	// the time it was opened.
	ReasonVanished SkipErrorReason = "vanished"
	// ReasonNotRegular means the path resolved to something other than a
	// regular file (a directory, device, socket, etc).
	ReasonNotRegular SkipErrorReason = "not_regular"
)

// SkipError indicates that a path was intentionally skipped rather than
// fingerprinted. Callers should log it at a lower severity than a genuine
// I/O failure and continue scanning the remaining paths.
type SkipError struct {
	Path   string
	Reason SkipErrorReason
	Err    error
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("fingerprint: skip %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *SkipError) Unwrap() error { return e.Err }

// HashFile streams path through a 64-bit xxhash digest and returns its
// Fingerprint. It returns a *SkipError, wrapped, when path cannot be
// reasonably hashed: permission denied, the path vanished between stat and
// open, or the path is not a regular file.
func HashFile(path string) (Fingerprint, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &SkipError{Path: path, Reason: ReasonVanished, Err: err}
		}
		if errors.Is(err, fs.ErrPermission) {
			return "", &SkipError{Path: path, Reason: ReasonPermissionDenied, Err: err}
		}
		return "", fmt.Errorf("fingerprint: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", &SkipError{Path: path, Reason: ReasonNotRegular, Err: fmt.Errorf("mode %s", info.Mode())}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &SkipError{Path: path, Reason: ReasonVanished, Err: err}
		}
		if errors.Is(err, fs.ErrPermission) {
			return "", &SkipError{Path: path, Reason: ReasonPermissionDenied, Err: err}
		}
		return "", fmt.Errorf("fingerprint: open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("fingerprint: read %s: %w", path, err)
	}

	return Fingerprint(fmt.Sprintf("%016x", h.Sum64())), nil
}

// IsSkip reports whether err is (or wraps) a *SkipError.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}
