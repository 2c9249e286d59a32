// Package templife owns the temp root: per-transfer directories, finalize and
// revert of uploaded artifacts, and the age-based purge sweep that reclaims
// space from abandoned browser sessions.
package templife

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/markocupic/filepond-server/internal/transferkey"
)

// Manager operates on directories below a single temp root.
type Manager struct {
	root   string
	logger *log.Logger
}

// NewManager creates the temp root if needed and returns a Manager.
func NewManager(root string, logger *log.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	return &Manager{root: root, logger: logger}, nil
}

// Root returns the temp root path.
func (m *Manager) Root() string {
	return m.root
}

// TransferDir returns the directory belonging to a transfer key. The key must
// already be validated; its fixed prefix and charset keep it a safe path
// segment.
func (m *Manager) TransferDir(key string) string {
	return filepath.Join(m.root, key)
}

// EnsureTransferDir creates the transfer-key directory if absent.
func (m *Manager) EnsureTransferDir(key string) (string, error) {
	dir := m.TransferDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create transfer dir: %w", err)
	}
	return dir, nil
}

// Finalize moves a validated file into the transfer-key directory and returns
// the final path. Exactly one file lives under a finalized directory.
func (m *Manager) Finalize(key, srcPath, fileName string) (string, error) {
	dir, err := m.EnsureTransferDir(key)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, SanitizeFileName(fileName))
	if err := os.Rename(srcPath, dest); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return dest, nil
}

// Revert removes the transfer-key directory recursively. An absent directory
// is not an error: reverting an already-reverted or never-materialized key
// returns (false, nil).
func (m *Manager) Revert(key string) (bool, error) {
	dir := m.TransferDir(key)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat transfer dir: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove transfer dir: %w", err)
	}
	m.logger.Info("reverted upload", "transferKey", key)
	return true, nil
}

// Purge removes every temp entry with the upload prefix whose modification
// time exceeds maxAge. Chunk session directories share the prefix, so one
// sweep covers both kinds. Returns the number of entries removed.
func (m *Manager) Purge(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read temp root: %w", err)
	}
	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), transferkey.Prefix+"_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Error("could not remove temp entry", "path", path, "err", err)
			continue
		}
		m.logger.Info("removed orphaned temp entry", "name", entry.Name())
		removed++
	}
	return removed, nil
}

// UniqueName returns fileName, or a "name__N.ext" variant if a file with that
// name already exists in dir.
func UniqueName(dir, fileName string) string {
	if _, err := os.Stat(filepath.Join(dir, fileName)); os.IsNotExist(err) {
		return fileName
	}
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s__%d%s", base, i, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

var unsafeFileChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", ",", "_", "&", "_",
)

// SanitizeFileName reduces a client-supplied name to a safe path segment.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeFileChars.Replace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")
	if name == "" {
		return "unnamed"
	}
	return name
}
