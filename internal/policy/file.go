package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// FileSource serves a policy read from a YAML file and reloads it when the
// file changes. A file that fails to parse or validate leaves the previous
// policy in place.
type FileSource struct {
	path    string
	current atomic.Pointer[Policy]
	logger  *slog.Logger
}

func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileSource{path: path, logger: logger}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileSource) Current() Policy {
	return *f.current.Load()
}

// Reload re-reads the file.
func (f *FileSource) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read policy %s: %w", f.path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return fmt.Errorf("policy %s: %w", f.path, err)
	}
	f.current.Store(&p)
	return nil
}

// Watch reloads the policy on file changes until ctx is done. The parent
// directory is watched so that editors replacing the file by rename are seen.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return err
	}
	target := filepath.Clean(f.path)

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			if err := f.Reload(); err != nil {
				f.logger.Warn("policy reload failed, keeping previous policy", "path", f.path, "err", err)
				continue
			}
			p := f.Current()
			f.logger.Info("policy reloaded", "path", f.path, "low", p.Low, "medium", p.Medium, "high", p.High)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("policy watcher error", "err", err)
		}
	}
}
