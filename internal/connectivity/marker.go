package connectivity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// MarkerMonitor reports offline while a marker file exists, so operators and
// OS hooks can force offline mode by touching a file.
type MarkerMonitor struct {
	broadcaster

	path    string
	watcher *fsnotify.Watcher
	logger  logrus.FieldLogger

	closeOnce sync.Once
	closeErr  error
}

func NewMarkerMonitor(path string, logger logrus.FieldLogger) (*MarkerMonitor, error) {
	if path == "" {
		return nil, errors.New("marker path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	abs = filepath.Join(dir, filepath.Base(abs))
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &MarkerMonitor{path: abs, watcher: watcher, logger: logger}
	m.online = !markerExists(abs)
	return m, nil
}

// Close releases the file watch. Run closes it too when it returns.
func (m *MarkerMonitor) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.watcher.Close()
	})
	return m.closeErr
}

func (m *MarkerMonitor) Run(ctx context.Context) error {
	defer m.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}
			online := !markerExists(m.path)
			if m.set(online) {
				m.logger.WithFields(logrus.Fields{
					"marker": m.path,
					"online": online,
				}).Info("offline marker changed")
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.WithError(err).Warn("offline marker watch error")
		}
	}
}

func markerExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
