package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the changed path whenever one of paths is
// written or replaced, until ctx is done. Files are watched through their
// directory so editors that save by rename are seen; directories are watched
// recursively for .rego and .json files. Bursts of events are debounced and
// onChange is never called concurrently.
func (l *Loader) Watch(ctx context.Context, paths []string, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]bool)
	var dirs []string
	for _, path := range paths {
		path = filepath.Clean(path)
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			if err := l.watchDirectory(watcher, path); err != nil {
				return err
			}
			dirs = append(dirs, path+string(filepath.Separator))
			continue
		}
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		files[path] = true
	}

	relevant := func(name string) bool {
		name = filepath.Clean(name)
		if files[name] {
			return true
		}
		if !strings.HasSuffix(name, ".rego") && !strings.HasSuffix(name, ".json") {
			return false
		}
		for _, dir := range dirs {
			if strings.HasPrefix(name, dir) {
				return true
			}
		}
		return false
	}

	l.logger.Info().Int("paths", len(paths)).Msg("Watching for changes")

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !relevant(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			pending = filepath.Clean(event.Name)
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Stop()
				timer.Reset(l.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange(pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// watchDirectory adds dirPath and every directory below it to watcher.
func (l *Loader) watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
