package transferkey

import (
	"strings"
	"testing"
)

func TestGenerateValidate(t *testing.T) {
	a := New([]byte("topsecret"))
	key := a.Generate()
	if !strings.HasPrefix(key, Prefix+"_") {
		t.Fatalf("expected key with prefix, got %q", key)
	}
	if len(strings.Split(key, "_")) != 3 {
		t.Fatalf("expected 3 key parts, got %q", key)
	}
	if !a.Validate(key) {
		t.Fatalf("expected generated key to validate")
	}
}

func TestValidateRejectsForgeries(t *testing.T) {
	a := New([]byte("topsecret"))
	key := a.Generate()
	parts := strings.Split(key, "_")

	cases := map[string]string{
		"empty":            "",
		"wrong part count": parts[0] + "_" + parts[1],
		"extra part":       key + "_extra",
		"wrong prefix":     "filezilla_" + parts[1] + "_" + parts[2],
		"swapped parts":    parts[0] + "_" + parts[2] + "_" + parts[1],
		"truncated hmac":   parts[0] + "_" + parts[1] + "_" + parts[2][:10],
		"empty unique id":  parts[0] + "__" + parts[2],
		"tampered id":      parts[0] + "_deadbeef_" + parts[2],
	}
	for name, forged := range cases {
		if a.Validate(forged) {
			t.Errorf("%s: expected validation to fail for %q", name, forged)
		}
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	theirs := New([]byte("other-secret"))
	ours := New([]byte("topsecret"))
	if ours.Validate(theirs.Generate()) {
		t.Fatalf("expected key signed with a foreign secret to fail")
	}
}

func TestGenerateIsUnique(t *testing.T) {
	a := New([]byte("topsecret"))
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := a.Generate()
		if seen[key] {
			t.Fatalf("duplicate key generated: %q", key)
		}
		seen[key] = true
	}
}
