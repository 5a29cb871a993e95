// Package scansource feeds the relocalizer with live scans. The only
// production source reads PCD files from a directory, replaying what is
// already there and optionally watching for new captures.
package scansource

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/mapanchor/relocalize/pointcloud"
	"github.com/mapanchor/relocalize/relocalizer"
)

// DirConfig locates a directory of PCD scans. With Watch set, the source
// keeps delivering files as they appear; without it, the source ends once
// the existing files are replayed.
type DirConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

// Validate rejects configs the source cannot open.
func (c *DirConfig) Validate() error {
	if c.Path == "" {
		return errors.New("scan source path is required")
	}
	return nil
}

// Dir replays *.pcd files from a directory in lexical order, then watches
// for newly created ones. Scan stamps come from file modification times.
type Dir struct {
	cfg     DirConfig
	logger  golog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending []string
	seen    map[string]bool
	closed  bool
}

// NewDir opens a directory scan source.
func NewDir(cfg DirConfig, logger golog.Logger) (*Dir, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "opening scan directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("scan path %q is not a directory", cfg.Path)
	}

	d := &Dir{cfg: cfg, logger: logger, seen: map[string]bool{}}
	if cfg.Watch {
		// Watch before listing so files created in between are not lost;
		// the seen set drops the overlap.
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, errors.Wrap(err, "creating directory watcher")
		}
		if err := watcher.Add(cfg.Path); err != nil {
			goutils.UncheckedError(watcher.Close())
			return nil, errors.Wrapf(err, "watching %q", cfg.Path)
		}
		d.watcher = watcher
	}

	entries, err := os.ReadDir(cfg.Path)
	if err != nil {
		if d.watcher != nil {
			goutils.UncheckedError(d.watcher.Close())
		}
		return nil, errors.Wrap(err, "listing scan directory")
	}
	for _, e := range entries {
		if e.IsDir() || !isPCD(e.Name()) {
			continue
		}
		full := filepath.Join(cfg.Path, e.Name())
		d.pending = append(d.pending, full)
		d.seen[full] = true
	}
	return d, nil
}

// NextScan returns the next scan. It blocks in watch mode until a new file
// arrives, and returns io.EOF once the source is exhausted or closed.
// Unreadable files are skipped with a warning; a file that arrives faster
// than it is written fails its first parse and is retried on the writer's
// next event.
func (d *Dir) NextScan(ctx context.Context) (relocalizer.Scan, error) {
	for {
		if err := ctx.Err(); err != nil {
			return relocalizer.Scan{}, err
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return relocalizer.Scan{}, io.EOF
		}
		if len(d.pending) > 0 {
			path := d.pending[0]
			d.pending = d.pending[1:]
			d.mu.Unlock()
			if scan, ok := d.readScan(path); ok {
				return scan, nil
			}
			continue
		}
		d.mu.Unlock()

		if d.watcher == nil {
			return relocalizer.Scan{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return relocalizer.Scan{}, ctx.Err()
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return relocalizer.Scan{}, io.EOF
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isPCD(ev.Name) {
				continue
			}
			d.mu.Lock()
			delivered := d.seen[ev.Name]
			d.mu.Unlock()
			if delivered {
				continue
			}
			scan, ok := d.readScan(ev.Name)
			if !ok {
				continue
			}
			d.mu.Lock()
			d.seen[ev.Name] = true
			d.mu.Unlock()
			return scan, nil
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return relocalizer.Scan{}, io.EOF
			}
			return relocalizer.Scan{}, errors.Wrap(err, "scan directory watch")
		}
	}
}

// Close drops any undelivered files and stops the watcher. NextScan returns
// io.EOF afterwards.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.pending = nil
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *Dir) readScan(path string) (relocalizer.Scan, bool) {
	cloud, err := pointcloud.NewFromFile(path, d.logger)
	if err != nil {
		d.logger.Warnw("skipping unreadable scan file", "path", path, "error", err)
		return relocalizer.Scan{}, false
	}
	info, err := os.Stat(path)
	if err != nil {
		d.logger.Warnw("skipping unreadable scan file", "path", path, "error", err)
		return relocalizer.Scan{}, false
	}
	return relocalizer.Scan{Stamp: info.ModTime(), Cloud: cloud}, true
}

func isPCD(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pcd")
}
