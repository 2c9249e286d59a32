package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writePNG(t *testing.T, width, height int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, width, height))))
	return path
}

func isPolicyError(err error) bool {
	var policyErr *PolicyError
	return errors.As(err, &policyErr)
}

func TestChecksum(t *testing.T) {
	data := []byte("hello upload")
	path := writeTemp(t, "f.bin", data)
	sum := sha256.Sum256(data)
	expected := hex.EncodeToString(sum[:])

	assert.NoError(t, Checksum(path, expected))
	assert.NoError(t, Checksum(path, strings.ToUpper(expected)), "hex compare is case-insensitive")
	assert.NoError(t, Checksum(path, ""), "empty checksum skips the gate")

	err := Checksum(path, strings.Repeat("0", 64))
	require.Error(t, err)
	assert.True(t, isPolicyError(err))
	assert.Contains(t, err.Error(), "checksum")
}

func TestExtension(t *testing.T) {
	assert.NoError(t, Extension("photo.JPG", []string{"jpg", "png"}))
	assert.NoError(t, Extension("anything.xyz", nil), "empty allow-list passes everything")

	err := Extension("malware.exe", []string{"jpg", "png"})
	require.Error(t, err)
	assert.True(t, isPolicyError(err))

	// Missing extension with a non-empty allow-list is a failure.
	err = Extension("README", []string{"jpg"})
	require.Error(t, err)
	assert.True(t, isPolicyError(err))
}

func TestSizeBounds(t *testing.T) {
	path := writeTemp(t, "f.bin", make([]byte, 1000))

	assert.NoError(t, MinSize(path, 0), "zero threshold means unchecked")
	assert.NoError(t, MaxSize(path, 0))
	assert.NoError(t, MinSize(path, 1000))
	assert.NoError(t, MaxSize(path, 1000))

	err := MinSize(path, 1001)
	require.Error(t, err)
	assert.True(t, isPolicyError(err))

	err = MaxSize(path, 999)
	require.Error(t, err)
	assert.True(t, isPolicyError(err))
}

func TestImageResolution(t *testing.T) {
	bounded := Policy{MinImageWidth: 10, MaxImageWidth: 100, MinImageHeight: 10, MaxImageHeight: 100}

	assert.NoError(t, ImageResolution(writePNG(t, 50, 50), bounded))

	err := ImageResolution(writePNG(t, 5, 50), bounded)
	require.Error(t, err)
	assert.True(t, isPolicyError(err))

	err = ImageResolution(writePNG(t, 50, 500), bounded)
	require.Error(t, err)
	assert.True(t, isPolicyError(err))

	// Non-images and undecodable files are skipped, not failed.
	assert.NoError(t, ImageResolution(writeTemp(t, "notes.txt", []byte("plain text")), bounded))
	broken := writeTemp(t, "broken.png", []byte("\x89PNG\r\n\x1a\nnot really"))
	assert.NoError(t, ImageResolution(broken, bounded))

	// No bounds configured: decode is skipped entirely.
	assert.NoError(t, ImageResolution(writePNG(t, 5000, 5000), Policy{}))
}

func TestFileRunsChecksInOrder(t *testing.T) {
	data := []byte("content")
	path := writeTemp(t, "f.txt", data)
	sum := sha256.Sum256(data)
	good := hex.EncodeToString(sum[:])

	p := Policy{AllowedExtensions: []string{"txt"}, MaxFileSize: 1024}
	assert.NoError(t, File(path, "f.txt", good, p))

	// A checksum failure short-circuits before the extension check.
	err := File(path, "f.exe", strings.Repeat("a", 64), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}
