// Package watch implements the per-named-watch scan pass: walking the
// configured files and directory globs, fingerprinting every covered file,
// reconciling the results against the stored baseline under this watch's key
// prefix, and notifying registered sinks of any create, modify, or delete.
//
// A pass runs three cooperating goroutines joined at the end of its main
// phase: a deletion scanner walking a snapshot of the baseline, a filesystem
// scanner streaming (path, fingerprint) pairs into a bounded channel, and a
// verifier consuming that channel and diffing against the baseline. The
// first pass a watch ever completes establishes the baseline silently; a
// sentinel key records that completion so a restart never replays the
// baseline pass as a wall of created-file notifications.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/noidd/noidd/internal/config"
	"github.com/noidd/noidd/internal/fingerprint"
	"github.com/noidd/noidd/internal/notify"
	"github.com/noidd/noidd/internal/pathprobe"
	"github.com/noidd/noidd/internal/store"
)

const (
	// checksumBuffer bounds the in-flight (path, fingerprint) pairs between
	// the filesystem scanner and the verifier.
	checksumBuffer = 64

	// pendingBuffer bounds deletions detected mid-pass and applied at close.
	// A full buffer drops the deferred delete; the key is re-detected as
	// missing on the next pass, so nothing is lost permanently.
	pendingBuffer = 1024

	// displayFormat renders a file's modification time for notification
	// messages.
	displayFormat = "2006-01-02 15:04:05"
)

// checksum is one scanned file and its current content fingerprint.
type checksum struct {
	path string
	fp   fingerprint.Fingerprint
}

// Watcher executes scan passes for one named watch.
type Watcher struct {
	name        string
	files       []string
	directories []config.DirGlob
	store       *store.Store
	view        *store.View
	notifiers   []*notify.Notifier
	logger      *slog.Logger
	loc         *time.Location

	// onEvent, when set, observes every emitted change event. The
	// supervisor hooks the event log in through here.
	onEvent func(notify.Event)

	// initialized mirrors the baseline's sentinel key. It is only read and
	// written by Run, which is never invoked concurrently for one Watcher.
	initialized bool

	pending chan string
}

// Option customizes a Watcher at construction time.
type Option func(*Watcher)

// WithEventHook registers fn to observe every change event the watcher
// emits, after it has been handed to the notifiers.
func WithEventHook(fn func(notify.Event)) Option {
	return func(w *Watcher) { w.onEvent = fn }
}

// New constructs a Watcher for one WatchConfig entry, backed by a view of st
// prefixed with the watch's name.
func New(cfg config.WatchConfig, st *store.Store, notifiers []*notify.Notifier, logger *slog.Logger, loc *time.Location, opts ...Option) (*Watcher, error) {
	view, err := st.PrefixedView(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", cfg.Name, err)
	}
	w := &Watcher{
		name:        cfg.Name,
		files:       cfg.Files,
		directories: cfg.Directories,
		store:       st,
		view:        view,
		notifiers:   notifiers,
		logger:      logger.With(slog.String("watch", cfg.Name)),
		loc:         loc,
		pending:     make(chan string, pendingBuffer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Name returns the watch's configured name.
func (w *Watcher) Name() string { return w.name }

// Initialized reports whether the watch has a completed baseline pass on
// record. It reflects the state as of the last Run.
func (w *Watcher) Initialized() bool { return w.initialized }

// Run executes one full scan pass: register with every notifier, reconcile
// the filesystem against the baseline, apply deferred deletions, and signal
// Done to every notifier. The first successful pass writes the initialized
// sentinel instead of emitting events. A store failure aborts the pass
// before the sentinel is written, so the next Run repeats initialization
// rather than reporting every baselined file as created.
func (w *Watcher) Run(ctx context.Context) (err error) {
	for _, n := range w.notifiers {
		n.AddWatcher()
	}
	// Balance the refcount even on a failed pass, so one broken watch
	// cannot leave a shared notifier's batch queue undrainable forever.
	defer func() {
		for _, n := range w.notifiers {
			if derr := n.Notify(ctx, notify.Event{WatchName: w.name, Kind: notify.KindDone}); derr != nil {
				w.logger.Error("done notification failed", slog.String("notifier", n.Name()), slog.Any("error", derr))
			}
		}
	}()

	// Re-read the sentinel every pass; a store recreated out from under a
	// long-lived process de-initializes the watch, and a restart after a
	// completed first pass picks initialization back up from disk.
	_, initialized, err := w.view.GetFloat32(ctx, store.SentinelKey)
	if err != nil {
		return fmt.Errorf("watch %s: read sentinel: %w", w.name, err)
	}
	w.initialized = initialized

	// Fresh buffers per pass: deferred deletions from an aborted pass are
	// dropped, not replayed against a baseline a later pass has rewritten.
	w.pending = make(chan string, pendingBuffer)
	checksums := make(chan checksum, checksumBuffer)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return w.scanDeletions(egCtx) })
	eg.Go(func() error {
		defer close(checksums)
		return w.scanFilesystem(egCtx, checksums)
	})
	eg.Go(func() error { return w.verify(egCtx, checksums) })
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("watch %s: %w", w.name, err)
	}

	if err := w.applyPendingDeletes(ctx); err != nil {
		return fmt.Errorf("watch %s: %w", w.name, err)
	}

	if !w.initialized {
		now := float32(time.Now().Unix())
		if err := w.view.PutFloat32(ctx, store.SentinelKey, now); err != nil {
			return fmt.Errorf("watch %s: write sentinel: %w", w.name, err)
		}
		w.initialized = true
		w.logger.Info("baseline established")
	}
	return nil
}

// scanDeletions walks a snapshot of the baseline restricted to this watch's
// prefix, probes each recorded path, and emits Deleted for any that are
// gone. The KV delete itself is deferred to the end of the pass so it never
// interleaves with the open snapshot.
func (w *Watcher) scanDeletions(ctx context.Context) error {
	if !w.initialized {
		return nil
	}

	snap, err := w.store.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	sentinel := "^" + regexp.QuoteMeta(w.view.Prefix()+store.SentinelKey) + "$"
	entries, err := snap.Iterate(nil, []string{sentinel}, w.view.Prefix())
	if err != nil {
		return err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path := strings.TrimPrefix(e.Key, w.view.Prefix())
		res, err := pathprobe.Probe(path)
		if err != nil {
			w.logger.Warn("probe failed during deletion scan", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if res.Exists {
			continue
		}
		w.emit(ctx, notify.KindDeleted, path, "")
		select {
		case w.pending <- path:
		default:
			w.logger.Warn("pending deletion buffer full; key will be re-detected next pass", slog.String("path", path))
		}
	}
	return nil
}

// scanFilesystem streams a checksum for every covered file into out: first
// the explicit file list, then every glob match under each configured
// directory. Unreadable or vanished files are skipped for this pass.
func (w *Watcher) scanFilesystem(ctx context.Context, out chan<- checksum) error {
	push := func(path string) error {
		res, err := pathprobe.Probe(path)
		if err != nil {
			w.logger.Warn("probe failed", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if !res.Exists || res.IsDir {
			return nil
		}
		fp, err := fingerprint.HashFile(res.Path)
		if err != nil {
			if fingerprint.IsSkip(err) {
				w.logger.Debug("skipping path", slog.String("path", res.Path), slog.Any("error", err))
				return nil
			}
			return err
		}
		select {
		case out <- checksum{path: res.Path, fp: fp}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, f := range w.files {
		if err := push(f); err != nil {
			return err
		}
	}
	for _, d := range w.directories {
		includeHidden := d.IncludeHidden == nil || *d.IncludeHidden
		matches, err := discoverDir(d.Path, d.Glob, includeHidden)
		if err != nil {
			return fmt.Errorf("discover %s: %w", d.Path, err)
		}
		for _, m := range matches {
			if err := push(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// verify consumes scanned checksums until the channel closes, diffing each
// against the baseline. During an uninitialized pass it records fingerprints
// without emitting; afterwards an absent key is a create and a differing
// fingerprint a modify, and the baseline row is rewritten immediately after
// the event so the next pass sees the new state.
func (w *Watcher) verify(ctx context.Context, in <-chan checksum) error {
	for cs := range in {
		if !w.initialized {
			if err := w.view.Put(ctx, cs.path, string(cs.fp)); err != nil {
				return err
			}
			continue
		}

		prev, found, err := w.view.Get(ctx, cs.path)
		if err != nil {
			return err
		}
		switch {
		case !found:
			w.emit(ctx, notify.KindCreated, cs.path, w.mtimeDisplay(cs.path))
		case prev != string(cs.fp):
			w.emit(ctx, notify.KindModified, cs.path, w.mtimeDisplay(cs.path))
		default:
			continue
		}
		if err := w.view.Put(ctx, cs.path, string(cs.fp)); err != nil {
			return err
		}
	}
	return nil
}

// applyPendingDeletes drains the deferred-deletion buffer, removing each key
// from the baseline.
func (w *Watcher) applyPendingDeletes(ctx context.Context) error {
	for {
		select {
		case path := <-w.pending:
			if err := w.view.Delete(ctx, path); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// mtimeDisplay formats path's modification time in the configured display
// zone. A path that vanished between hashing and display formatting yields
// an empty string rather than an error.
func (w *Watcher) mtimeDisplay(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return info.ModTime().In(w.loc).Format(displayFormat)
}

func (w *Watcher) emit(ctx context.Context, kind notify.Kind, path, mtime string) {
	evt := notify.Event{
		WatchName:    w.name,
		Kind:         kind,
		Path:         path,
		MTimeDisplay: mtime,
	}
	for _, n := range w.notifiers {
		if err := n.Notify(ctx, evt); err != nil {
			w.logger.Error("notify failed", slog.String("notifier", n.Name()), slog.Any("error", err))
		}
	}
	if w.onEvent != nil {
		w.onEvent(evt)
	}
}

// discoverDir walks root and returns every regular file whose path relative
// to root matches glob, honoring includeHidden for dotfiles and
// dot-directories. Directory symlinks encountered mid-walk are not followed.
func discoverDir(root, glob string, includeHidden bool) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, nil
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !includeHidden && isHidden(root, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		ok, err := doublestar.Match(glob, rel)
		if err != nil {
			return err
		}
		if ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// isHidden reports whether any path component between root and path
// (inclusive of path's own base name) starts with a dot.
func isHidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(part) > 0 && part[0] == '.' {
			return true
		}
	}
	return false
}
