// Package transferkey implements the self-verifying bearer tokens that
// identify finalized uploads. A key carries its own HMAC, so authenticity is
// checked with nothing but the server secret; whether the upload still exists
// is a separate question answered by the temp directory lookup.
package transferkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix is the first segment of every transfer key and doubles as the
// directory name prefix under the temp root.
const Prefix = "filepond"

const partCount = 3

// Authority generates and validates transfer keys.
type Authority struct {
	secret []byte
}

// New creates an Authority keyed with secret.
func New(secret []byte) *Authority {
	return &Authority{secret: secret}
}

// Generate returns a fresh key of the form "filepond_{uniqueId}_{hmac}".
// Uniqueness comes from the id generator; no collision check is needed.
func (a *Authority) Generate() string {
	uniqueID := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%s_%s", Prefix, uniqueID, a.hash(uniqueID))
}

// Validate reports whether key was produced by Generate with the same secret.
// Malformed input returns false, it never panics.
func (a *Authority) Validate(key string) bool {
	parts := strings.Split(key, "_")
	if len(parts) != partCount {
		return false
	}
	if parts[0] != Prefix || parts[1] == "" || parts[2] == "" {
		return false
	}
	expected := a.hash(parts[1])
	// hmac.Equal performs a constant-time comparison.
	return hmac.Equal([]byte(expected), []byte(parts[2]))
}

func (a *Authority) hash(value string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
