package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ErrNotFound = errors.New("media file not found")

var supportedExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mkv":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpg":  true,
	".mpeg": true,
	".3gp":  true,
	".ogv":  true,
}

type MediaFile struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	Path      string    `json:"path"`
	Modified  time.Time `json:"modified"`
}

// Library indexes the video files directly inside one directory. Names are
// case-sensitive and unique.
type Library struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	files map[string]MediaFile
}

func NewLibrary(root string, logger *slog.Logger) (*Library, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}

	return &Library{
		root:   abs,
		logger: logger,
		files:  make(map[string]MediaFile),
	}, nil
}

func Supported(name string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(name))]
}

func (l *Library) Scan() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("failed to read media dir: %w", err)
	}

	found := make(map[string]MediaFile, len(entries))
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}

		found[e.Name()] = MediaFile{
			Name:      e.Name(),
			SizeBytes: info.Size(),
			Path:      filepath.Join(l.root, e.Name()),
			Modified:  info.ModTime(),
		}
	}

	l.mu.Lock()
	l.files = found
	l.mu.Unlock()

	l.logger.Debug("media dir scanned", "root", l.root, "files", len(found))
	return nil
}

func (l *Library) List() []MediaFile {
	l.mu.RLock()
	files := make([]MediaFile, 0, len(l.files))
	for _, f := range l.files {
		files = append(files, f)
	}
	l.mu.RUnlock()

	sort.Slice(files, func(i, j int) bool {
		a, b := strings.ToLower(files[i].Name), strings.ToLower(files[j].Name)
		if a == b {
			return files[i].Name < files[j].Name
		}
		return a < b
	})

	return files
}

// Resolve returns the absolute path of the named file. The file is always
// stat'ed, so files added since the last scan are found and removed ones are
// dropped from the listing.
func (l *Library) Resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	path := filepath.Join(l.root, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || !Supported(name) {
		l.mu.Lock()
		delete(l.files, name)
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	return path, nil
}

// Watch rescans the directory whenever a file is created, removed or
// renamed. It blocks until ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.root); err != nil {
		return fmt.Errorf("failed to watch media dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}

			l.logger.DebugContext(ctx, "media dir changed", "event", ev.String())
			if err := l.Scan(); err != nil {
				l.logger.WarnContext(ctx, "failed to rescan media dir", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.WarnContext(ctx, "media watcher error", "error", err)
		}
	}
}
