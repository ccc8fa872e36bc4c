// Package pathprobe resolves a configured watch target to a concrete
// filesystem entry, following at most one level of symlink indirection the
// way the original checkfile helper did: a symlink is resolved once to its
// target, but a chain of symlinks is not walked further.
package pathprobe

import (
	"fmt"
	"os"
)

// Result describes what a probed path resolved to.
type Result struct {
	// Path is the path that should be used for further operations: either
	// the original path, or the one-level symlink target.
	Path string
	// IsDir reports whether Path is a directory.
	IsDir bool
	// Exists reports whether Path exists on disk. When false, IsDir is
	// meaningless.
	Exists bool
}

// Probe resolves path, following a single level of symlink if path is a
// symlink, and reports what it finds. It does not return an error for a
// nonexistent path; callers distinguish that case via Result.Exists.
func Probe(path string) (Result, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Path: path, Exists: false}, nil
		}
		return Result{}, fmt.Errorf("pathprobe: lstat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink == 0 {
		return Result{Path: path, IsDir: info.IsDir(), Exists: true}, nil
	}

	target, err := os.Readlink(path)
	if err != nil {
		return Result{}, fmt.Errorf("pathprobe: readlink %s: %w", path, err)
	}

	targetInfo, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Path: target, Exists: false}, nil
		}
		return Result{}, fmt.Errorf("pathprobe: stat symlink target %s: %w", target, err)
	}

	return Result{Path: target, IsDir: targetInfo.IsDir(), Exists: true}, nil
}
