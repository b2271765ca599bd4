package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the directory holding uploaded sources and every file derived
// from them while a job runs.
type Manager struct {
	dir    string
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifact directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory %s: %w", dir, err)
	}

	return &Manager{
		dir:    dir,
		logger: logger,
		newID:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		now:    time.Now,
	}, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

// Allocate returns a fresh path inside the artifact directory for a file
// originally named originalName. Concurrent calls never return the same path.
func (m *Manager) Allocate(originalName string) string {
	base := sanitizeName(filepath.Base(originalName))
	return filepath.Join(m.dir, m.newID()+"_"+base)
}

// Release removes path and reports whether a file was actually removed.
// Missing files and repeated calls are not errors.
func (m *Manager) Release(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}

	err := os.Remove(path)
	switch {
	case err == nil:
		m.logger.Debug("removed artifact", zap.String("path", path))
		return true
	case errors.Is(err, fs.ErrNotExist):
		return false
	default:
		m.logger.Warn("failed to remove artifact", zap.String("path", path), zap.Error(err))
		return false
	}
}

// ReleaseAll releases every path and returns how many files were removed.
func (m *Manager) ReleaseAll(paths ...string) int {
	removed := 0
	for _, path := range paths {
		if m.Release(path) {
			removed++
		}
	}
	return removed
}

// Sweep removes regular files in the artifact directory whose modification
// time is older than maxAge and for which inUse reports false. A nil inUse
// treats every file as abandoned. It returns the number of files removed.
func (m *Manager) Sweep(maxAge time.Duration, inUse func(path string) bool) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read artifact directory: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if inUse != nil && inUse(path) {
			m.logger.Debug("keeping stale artifact of a live job", zap.String("path", path))
			continue
		}
		if m.Release(path) {
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("swept stale artifacts", zap.Int("removed", removed), zap.Duration("max_age", maxAge))
	}
	return removed, nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "upload"
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
