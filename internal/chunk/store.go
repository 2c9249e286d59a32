// Package chunk buffers upload chunks on disk, detects completion by summed
// byte size and reassembles finished sessions into a single ordered file.
//
// All session state lives on the filesystem: a chunk directory per session,
// one file per byte offset. Any server process sharing the temp volume can
// handle any request of a session.
package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DirPrefix names chunk session directories below the temp root.
const DirPrefix = "filepond_chunks"

const chunkFilePrefix = "chunk_"

// ErrInvalidInput marks request-level validation failures (bad offset, empty
// file name, quota exceeded). These map to 4xx responses.
var ErrInvalidInput = errors.New("invalid chunk request")

// ErrSizeMismatch is returned when the assembled file does not match the
// declared total size. The partial artifact is discarded before returning.
var ErrSizeMismatch = errors.New("assembled file size mismatch")

// Store is the chunk buffer rooted at a shared temp directory.
type Store struct {
	root      string
	maxChunks int
	logger    *log.Logger
}

// Progress is the byte accounting returned after a chunk is persisted.
type Progress struct {
	Received int64
	Total    int64
	Complete bool
}

// NewStore creates a Store. maxChunks bounds the number of chunk files a
// single session may accumulate; zero disables the quota.
func NewStore(root string, maxChunks int, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk root: %w", err)
	}
	return &Store{root: root, maxChunks: maxChunks, logger: logger}, nil
}

// Receive persists one chunk keyed by its byte offset and reports whether the
// session is complete. Writing the same offset twice replaces the earlier
// chunk, which makes at-least-once client retries safe.
func (s *Store) Receive(sessionID, fileName string, offset, totalSize int64, r io.Reader) (Progress, error) {
	if strings.TrimSpace(fileName) == "" {
		return Progress{}, fmt.Errorf("%w: file name must not be empty", ErrInvalidInput)
	}
	if offset < 0 || totalSize <= 0 {
		return Progress{}, fmt.Errorf("%w: invalid offset or size values", ErrInvalidInput)
	}
	if offset >= totalSize {
		return Progress{}, fmt.Errorf("%w: offset exceeds file size", ErrInvalidInput)
	}

	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Progress{}, fmt.Errorf("create session dir: %w", err)
	}

	chunkPath := filepath.Join(dir, chunkFilePrefix+strconv.FormatInt(offset, 10))
	if s.maxChunks > 0 {
		count, err := s.chunkCount(dir)
		if err != nil {
			return Progress{}, err
		}
		if count >= s.maxChunks {
			if _, statErr := os.Stat(chunkPath); statErr != nil {
				return Progress{}, fmt.Errorf("%w: session exceeds the chunk quota of %d", ErrInvalidInput, s.maxChunks)
			}
			// Retrying an existing offset stays within the quota.
		}
	}

	// Write through a .partial name so a torn write is never counted by the
	// completion scan.
	tmpPath := chunkPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return Progress{}, fmt.Errorf("create chunk file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Progress{}, fmt.Errorf("write chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return Progress{}, fmt.Errorf("close chunk file: %w", err)
	}
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		os.Remove(tmpPath)
		return Progress{}, fmt.Errorf("commit chunk file: %w", err)
	}

	received, err := s.receivedSize(dir)
	if err != nil {
		return Progress{}, err
	}
	s.logger.Debug("chunk received", "sessionId", sessionID, "offset", offset, "received", received, "total", totalSize)
	return Progress{Received: received, Total: totalSize, Complete: received >= totalSize}, nil
}

// ClaimAssembly takes the per-session assembly claim with exclusive-create
// semantics so concurrent completion observers do not both concatenate.
// Returns false if another request already holds the claim.
func (s *Store) ClaimAssembly(sessionID string) bool {
	f, err := os.OpenFile(s.lockPath(sessionID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// ReleaseAssembly drops the assembly claim. Removing an already-removed lock
// is not an error.
func (s *Store) ReleaseAssembly(sessionID string) {
	os.Remove(s.lockPath(sessionID))
}

// Assemble concatenates the session's chunks in numeric offset order into
// destDir/fileName. The chunk directory is consumed by the attempt whether or
// not the size post-check passes: the byte accounting already signaled
// completion, so leaving chunks behind would only invite a duplicate
// reassembly. On a size mismatch the partial output is deleted and
// ErrSizeMismatch returned.
func (s *Store) Assemble(sessionID, fileName string, totalSize int64, destDir string) (string, error) {
	dir := s.SessionDir(sessionID)
	chunks, err := listChunks(dir)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("no chunks found for session %q", sessionID)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}
	destPath := filepath.Join(destDir, fileName)
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create final file: %w", err)
	}

	var written int64
	for _, c := range chunks {
		in, err := os.Open(filepath.Join(dir, c.name))
		if err != nil {
			out.Close()
			os.Remove(destPath)
			return "", fmt.Errorf("read chunk %s: %w", c.name, err)
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(destPath)
			return "", fmt.Errorf("write final file: %w", err)
		}
		written += n
	}
	if err := out.Close(); err != nil {
		os.Remove(destPath)
		return "", fmt.Errorf("close final file: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		s.logger.Error("could not remove chunk session dir", "sessionId", sessionID, "err", err)
	}

	if written != totalSize {
		os.Remove(destPath)
		return "", fmt.Errorf("%w: expected %d bytes, assembled %d", ErrSizeMismatch, totalSize, written)
	}
	s.logger.Info("session assembled", "sessionId", sessionID, "file", fileName, "bytes", written)
	return destPath, nil
}

// CleanupOrphaned removes chunk session directories older than maxAge and
// returns how many were removed. Meant for the periodic sweep, independent of
// any single upload's lifecycle.
func (s *Store) CleanupOrphaned(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read chunk root: %w", err)
	}
	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), DirPrefix+"_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			s.logger.Error("could not remove chunk session dir", "name", entry.Name(), "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// SessionDir returns the chunk directory for a session id.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, fmt.Sprintf("%s_%s", DirPrefix, SanitizeSessionID(sessionID)))
}

func (s *Store) lockPath(sessionID string) string {
	return s.SessionDir(sessionID) + ".lock"
}

func (s *Store) chunkCount(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read session dir: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if _, ok := parseOffset(entry.Name()); ok {
			count++
		}
	}
	return count, nil
}

func (s *Store) receivedSize(dir string) (int64, error) {
	chunks, err := listChunks(dir)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, c := range chunks {
		sum += c.size
	}
	return sum, nil
}

type chunkFile struct {
	name   string
	offset int64
	size   int64
}

// listChunks returns the committed chunk files sorted by numeric offset.
// String order would place chunk_10 before chunk_9.
func listChunks(dir string) ([]chunkFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	chunks := make([]chunkFile, 0, len(entries))
	for _, entry := range entries {
		offset, ok := parseOffset(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		chunks = append(chunks, chunkFile{name: entry.Name(), offset: offset, size: info.Size()})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].offset < chunks[j].offset })
	return chunks, nil
}

func parseOffset(name string) (int64, bool) {
	if !strings.HasPrefix(name, chunkFilePrefix) {
		return 0, false
	}
	offset, err := strconv.ParseInt(name[len(chunkFilePrefix):], 10, 64)
	if err != nil || offset < 0 {
		return 0, false
	}
	return offset, true
}

// SanitizeSessionID maps a client-supplied session id to a safe directory
// name segment.
func SanitizeSessionID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.':
			return r
		default:
			return '-'
		}
	}, id)
}
