package netclass

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/objectfs/mediacache/pkg/utils"
)

// FileSource reads the network class from a file and follows edits to it.
// The file holds a single label such as "wifi" or "3g".
type FileSource struct {
	*StaticSource

	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewFileSource reads path and starts watching it. The parent directory is
// watched so atomic replacements (write to temp, rename) are observed.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	class, err := readClassFile(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch network class file: %w", err)
	}

	fs := &FileSource{
		StaticSource: NewStaticSource(class),
		path:         filepath.Clean(path),
		watcher:      watcher,
		logger:       utils.OrNop(logger).With("component", "netclass"),
		done:         make(chan struct{}),
	}
	go fs.run()
	return fs, nil
}

func (fs *FileSource) run() {
	for {
		select {
		case <-fs.done:
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fs.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			class, err := readClassFile(fs.path)
			if err != nil {
				// a rename away leaves nothing to read until the replacement lands
				fs.logger.Debug("network class file unreadable", "path", fs.path, "error", err)
				continue
			}
			if class != fs.Current() {
				fs.logger.Info("network class changed", "class", string(class))
				fs.Set(class)
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("network class watcher error", "error", err)
		}
	}
}

// Close stops watching the file.
func (fs *FileSource) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		close(fs.done)
		err = fs.watcher.Close()
	})
	return err
}

func readClassFile(path string) (Class, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read network class file: %w", err)
	}
	label := strings.TrimSpace(string(data))
	if label == "" {
		// truncation during a rewrite shows up as an empty read
		return "", fmt.Errorf("network class file %s is empty", path)
	}
	return Normalize(label), nil
}
