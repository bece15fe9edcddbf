package siteconfig

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the bursts of events editors emit for one save.
const reloadDelay = 100 * time.Millisecond

// Load reads path into the registry once.
func (r *Registry) Load(path string) error {
	f, err := LoadFile(path)
	if err != nil {
		return err
	}
	r.Replace(f)
	return nil
}

// Watch reloads path whenever it changes until ctx is done. The parent
// directory is watched so that editors replacing the file are noticed. A file
// that fails to parse keeps the previous configuration in place.
func (r *Registry) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				if err := r.Load(path); err != nil {
					r.logger.Warn("site configuration reload failed, keeping previous", "path", path, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("site configuration watcher error", "error", err)
			}
		}
	}()
	return nil
}
