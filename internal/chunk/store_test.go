package chunk

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 100, log.New(io.Discard))
	require.NoError(t, err)
	return s
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func receiveAll(t *testing.T, s *Store, sessionID, fileName string, data []byte, offsets []int64, sizes []int64) Progress {
	t.Helper()
	total := int64(len(data))
	var progress Progress
	for i, off := range offsets {
		var err error
		payload := data[off : off+sizes[i]]
		progress, err = s.Receive(sessionID, fileName, off, total, bytes.NewReader(payload))
		require.NoError(t, err)
	}
	return progress
}

func TestReceiveValidation(t *testing.T) {
	s := newTestStore(t)
	payload := bytes.NewReader([]byte("data"))

	_, err := s.Receive("sess", "", 0, 10, payload)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.Receive("sess", "f.bin", -1, 10, payload)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.Receive("sess", "f.bin", 0, 0, payload)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.Receive("sess", "f.bin", 10, 10, payload)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// No session directory may be created by a rejected request.
	_, statErr := os.Stat(s.SessionDir("sess"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReassemblyInArbitraryOrder(t *testing.T) {
	// 10 KiB split [3K,3K,3K,1K], uploaded in order [2,0,3,1].
	s := newTestStore(t)
	data := randomBytes(t, 10*1024)
	offsets := []int64{6144, 0, 9216, 3072}
	sizes := []int64{3072, 3072, 1024, 3072}

	progress := receiveAll(t, s, "sess-a", "big.bin", data, offsets, sizes)
	require.True(t, progress.Complete)
	assert.Equal(t, int64(len(data)), progress.Received)

	destDir := t.TempDir()
	path, err := s.Assemble("sess-a", "big.bin", int64(len(data)), destDir)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The chunk session directory is consumed by assembly.
	_, statErr := os.Stat(s.SessionDir("sess-a"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestNumericChunkOrdering(t *testing.T) {
	// Offsets 9 and 10 sort lexically as chunk_10 < chunk_9. The assembler
	// must order them numerically.
	s := newTestStore(t)
	data := []byte("ABCDEFGHI" + "XY")
	_, err := s.Receive("sess-n", "f.bin", 9, int64(len(data)), bytes.NewReader(data[9:]))
	require.NoError(t, err)
	progress, err := s.Receive("sess-n", "f.bin", 0, int64(len(data)), bytes.NewReader(data[:9]))
	require.NoError(t, err)
	require.True(t, progress.Complete)

	path, err := s.Assemble("sess-n", "f.bin", int64(len(data)), t.TempDir())
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDuplicateChunkRetryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	data := randomBytes(t, 2048)
	total := int64(len(data))

	first, err := s.Receive("sess-r", "f.bin", 0, total, bytes.NewReader(data[:1024]))
	require.NoError(t, err)
	assert.Equal(t, int64(1024), first.Received)
	assert.False(t, first.Complete)

	// Retrying the same offset must not drift the accounting.
	retry, err := s.Receive("sess-r", "f.bin", 0, total, bytes.NewReader(data[:1024]))
	require.NoError(t, err)
	assert.Equal(t, first, retry)

	last, err := s.Receive("sess-r", "f.bin", 1024, total, bytes.NewReader(data[1024:]))
	require.NoError(t, err)
	require.True(t, last.Complete)

	path, err := s.Assemble("sess-r", "f.bin", total, t.TempDir())
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAssembleSizeMismatchDiscardsArtifact(t *testing.T) {
	s := newTestStore(t)
	// Declared total 100, but the only chunk holds 100 bytes at offset 50:
	// summed size reaches the total while the concatenation yields 100 bytes
	// again - fabricate a mismatch by declaring 150 on assembly.
	_, err := s.Receive("sess-m", "f.bin", 0, 100, bytes.NewReader(randomBytes(t, 100)))
	require.NoError(t, err)

	destDir := t.TempDir()
	_, err = s.Assemble("sess-m", "f.bin", 150, destDir)
	require.ErrorIs(t, err, ErrSizeMismatch)

	// Partial output removed, chunk dir consumed.
	_, statErr := os.Stat(filepath.Join(destDir, "f.bin"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(s.SessionDir("sess-m"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestClaimAssemblyIsExclusive(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.ClaimAssembly("sess-c"))
	assert.False(t, s.ClaimAssembly("sess-c"))
	s.ReleaseAssembly("sess-c")
	assert.True(t, s.ClaimAssembly("sess-c"))
}

func TestChunkQuota(t *testing.T) {
	s, err := NewStore(t.TempDir(), 2, log.New(io.Discard))
	require.NoError(t, err)

	_, err = s.Receive("sess-q", "f.bin", 0, 100, bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	_, err = s.Receive("sess-q", "f.bin", 1, 100, bytes.NewReader([]byte("b")))
	require.NoError(t, err)

	_, err = s.Receive("sess-q", "f.bin", 2, 100, bytes.NewReader([]byte("c")))
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Retrying an offset already on disk stays within the quota.
	_, err = s.Receive("sess-q", "f.bin", 1, 100, bytes.NewReader([]byte("B")))
	assert.NoError(t, err)
}

func TestCleanupOrphanedRespectsAge(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Receive("old", "f.bin", 0, 100, bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	_, err = s.Receive("fresh", "f.bin", 0, 100, bytes.NewReader([]byte("y")))
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(s.SessionDir("old"), past, past))

	removed, err := s.CleanupOrphaned(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, statErr := os.Stat(s.SessionDir("old"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(s.SessionDir("fresh"))
	assert.NoError(t, statErr)
}

func TestSanitizeSessionID(t *testing.T) {
	assert.Equal(t, "abc-123", SanitizeSessionID("abc-123"))
	assert.Equal(t, "..-..-etc-passwd", SanitizeSessionID("../../etc/passwd"))
	assert.Equal(t, "a-b-c", SanitizeSessionID("a_b c"))
}

func TestPartialWriteNotCounted(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Receive("sess-p", "f.bin", 0, 100, bytes.NewReader(randomBytes(t, 50)))
	require.NoError(t, err)

	// A leftover .partial file from a crashed request must not count toward
	// completion.
	leftover := filepath.Join(s.SessionDir("sess-p"), "chunk_50.partial")
	require.NoError(t, os.WriteFile(leftover, randomBytes(t, 50), 0o644))

	progress, err := s.Receive("sess-p", "f.bin", 0, 100, bytes.NewReader(randomBytes(t, 50)))
	require.NoError(t, err)
	assert.Equal(t, int64(50), progress.Received)
	assert.False(t, progress.Complete)
}
