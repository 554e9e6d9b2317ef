package connectivity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/actisync/internal/logging"
)

// FileSignal feeds a Monitor from a file whose content is "online" or
// "offline", typically maintained by the host's network dispatcher.
//
// The parent directory is watched rather than the file itself so that
// atomic replace-by-rename updates are seen.
type FileSignal struct {
	path    string
	monitor *Monitor
	logger  *logging.Logger
}

// NewFileSignal creates a FileSignal for path.
func NewFileSignal(path string, monitor *Monitor, logger *logging.Logger) *FileSignal {
	if logger == nil {
		logger = logging.Get()
	}
	return &FileSignal{path: filepath.Clean(path), monitor: monitor, logger: logger}
}

// ParseSignal interprets signal file content.
func ParseSignal(content string) (online bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "online", "up", "1", "true":
		return true, true
	case "offline", "down", "0", "false":
		return false, true
	}
	return false, false
}

// Run applies the current file content, then watches for changes until ctx
// is cancelled.
func (s *FileSignal) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.apply()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.apply()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Connectivity signal watcher error", map[string]interface{}{
				"path":  s.path,
				"error": err.Error(),
			})
		}
	}
}

func (s *FileSignal) apply() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Cannot read connectivity signal", map[string]interface{}{
				"path":  s.path,
				"error": err.Error(),
			})
		}
		return
	}

	online, ok := ParseSignal(string(data))
	if !ok {
		// Partial writes show up as empty content; wait for the next event
		if len(strings.TrimSpace(string(data))) > 0 {
			s.logger.Warn("Unrecognized connectivity signal", map[string]interface{}{
				"path":    s.path,
				"content": strings.TrimSpace(string(data)),
			})
		}
		return
	}

	if s.monitor.SetOnline(online) {
		s.logger.Info("Connectivity changed", map[string]interface{}{
			"online": online,
			"source": "file",
		})
	}
}
