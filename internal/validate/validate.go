// Package validate applies the integrity and policy checks that gate every
// finished upload, chunked or direct. Order matters: the cheap checksum gate
// runs before any image decode work.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	// Raster decoders for the resolution check.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// Policy bundles the configured upload constraints.
type Policy struct {
	AllowedExtensions []string
	MinFileSize       int64
	MaxFileSize       int64
	MinImageWidth     int
	MinImageHeight    int
	MaxImageWidth     int
	MaxImageHeight    int
}

// PolicyError carries a message safe to show to the uploading client.
// Everything else returned from this package is an internal error.
type PolicyError struct {
	msg string
}

func (e *PolicyError) Error() string {
	return e.msg
}

func policyErrorf(format string, args ...any) error {
	return &PolicyError{msg: fmt.Sprintf(format, args...)}
}

// File runs all checks against the artifact at path. fileName is the
// client-facing name used for the extension check, expectedChecksum the
// client-declared SHA-256 hex digest (empty skips the gate).
func File(path, fileName, expectedChecksum string, p Policy) error {
	if err := Checksum(path, expectedChecksum); err != nil {
		return err
	}
	if err := Extension(fileName, p.AllowedExtensions); err != nil {
		return err
	}
	if err := MinSize(path, p.MinFileSize); err != nil {
		return err
	}
	if err := MaxSize(path, p.MaxFileSize); err != nil {
		return err
	}
	return ImageResolution(path, p)
}

// Checksum compares the file's SHA-256 against the declared hex digest,
// case-insensitively. A mismatch is fatal for the upload.
func Checksum(path, expectedHex string) error {
	if expectedHex == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expectedHex) {
		return policyErrorf("checksum mismatch: the uploaded file did not arrive intact")
	}
	return nil
}

// Extension enforces the allow-list. An empty list passes everything; with a
// non-empty list a missing extension fails.
func Extension(fileName string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext != "" {
		for _, a := range allowed {
			if strings.ToLower(strings.TrimSpace(a)) == ext {
				return nil
			}
		}
	}
	return policyErrorf("file type is not allowed, accepted types: %s", strings.Join(allowed, ", "))
}

// MinSize stats the file fresh and rejects it below minBytes. Zero disables
// the check.
func MinSize(path string, minBytes int64) error {
	if minBytes <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if info.Size() < minBytes {
		return policyErrorf("file is smaller than the minimum allowed size of %s", humanize.IBytes(uint64(minBytes)))
	}
	return nil
}

// MaxSize stats the file fresh and rejects it above maxBytes. Zero disables
// the check.
func MaxSize(path string, maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > maxBytes {
		return policyErrorf("file exceeds the maximum allowed size of %s", humanize.IBytes(uint64(maxBytes)))
	}
	return nil
}

// ImageResolution checks min/max dimensions for decodable raster images.
// Non-images and undecodable files are skipped, not failed: a generic
// uploader must not block non-image uploads on an image rule.
func ImageResolution(path string, p Policy) error {
	if p.MinImageWidth <= 0 && p.MinImageHeight <= 0 && p.MaxImageWidth <= 0 && p.MaxImageHeight <= 0 {
		return nil
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil || !strings.HasPrefix(mtype.String(), "image/") {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil
	}
	if p.MinImageWidth > 0 && cfg.Width < p.MinImageWidth {
		return policyErrorf("image width %dpx is below the minimum of %dpx", cfg.Width, p.MinImageWidth)
	}
	if p.MinImageHeight > 0 && cfg.Height < p.MinImageHeight {
		return policyErrorf("image height %dpx is below the minimum of %dpx", cfg.Height, p.MinImageHeight)
	}
	if p.MaxImageWidth > 0 && cfg.Width > p.MaxImageWidth {
		return policyErrorf("image width %dpx exceeds the maximum of %dpx", cfg.Width, p.MaxImageWidth)
	}
	if p.MaxImageHeight > 0 && cfg.Height > p.MaxImageHeight {
		return policyErrorf("image height %dpx exceeds the maximum of %dpx", cfg.Height, p.MaxImageHeight)
	}
	return nil
}
