package templife

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), log.New(io.Discard))
	require.NoError(t, err)
	return m
}

func TestFinalizeMovesIntoTransferDir(t *testing.T) {
	m := newTestManager(t)
	src := filepath.Join(t.TempDir(), "incoming.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	dest, err := m.Finalize("filepond_abc_def", src, "My Report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "filepond_abc_def", "My Report.pdf"), dest)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, statErr := os.Stat(src)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRevertIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	key := "filepond_abc_def"
	_, err := m.EnsureTransferDir(key)
	require.NoError(t, err)

	removed, err := m.Revert(key)
	require.NoError(t, err)
	assert.True(t, removed)
	_, statErr := os.Stat(m.TransferDir(key))
	assert.True(t, os.IsNotExist(statErr))

	// The second revert finds nothing and must not error.
	removed, err = m.Revert(key)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestPurgeRespectsAgeThreshold(t *testing.T) {
	m := newTestManager(t)

	oldTransfer, err := m.EnsureTransferDir("filepond_old_hash")
	require.NoError(t, err)
	oldChunks := filepath.Join(m.Root(), "filepond_chunks_old")
	require.NoError(t, os.MkdirAll(oldChunks, 0o755))
	fresh, err := m.EnsureTransferDir("filepond_fresh_hash")
	require.NoError(t, err)
	unrelated := filepath.Join(m.Root(), "somethingelse")
	require.NoError(t, os.MkdirAll(unrelated, 0o755))

	past := time.Now().Add(-48 * time.Hour)
	for _, dir := range []string{oldTransfer, oldChunks, unrelated} {
		require.NoError(t, os.Chtimes(dir, past, past))
	}

	removed, err := m.Purge(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, statErr := os.Stat(oldTransfer)
	assert.True(t, os.IsNotExist(statErr), "old transfer dir removed")
	_, statErr = os.Stat(oldChunks)
	assert.True(t, os.IsNotExist(statErr), "old chunk session dir removed")
	_, statErr = os.Stat(fresh)
	assert.NoError(t, statErr, "fresh dir kept")
	_, statErr = os.Stat(unrelated)
	assert.NoError(t, statErr, "unprefixed dir never touched")
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":        "report.pdf",
		"../../etc/passwd":  "passwd",
		"a/b\\c.txt":        "b_c.txt",
		"we,ird&name.jpg":   "we_ird_name.jpg",
		"  spaced.doc  ":    "spaced.doc",
		"":                  "unnamed",
		"...":               "unnamed",
		"nul\x00byte.bin":   "nulbyte.bin",
		"colon:star*.png":   "colon_star_.png",
		"q?quote\"pipe|.gif": "q_quote_pipe_.gif",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFileName(in), "input %q", in)
	}
}

func TestUniqueName(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "photo.jpg", UniqueName(dir, "photo.jpg"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.jpg"), nil, 0o644))
	assert.Equal(t, "photo__1.jpg", UniqueName(dir, "photo.jpg"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo__1.jpg"), nil, 0o644))
	assert.Equal(t, "photo__2.jpg", UniqueName(dir, "photo.jpg"))
}
