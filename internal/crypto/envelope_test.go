package crypto

import (
	"strings"
	"testing"
)

func testKeys() (map[string][]byte, map[string][]byte) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	for i := range b {
		b[i] = 1
	}
	return map[string][]byte{"k1": a}, map[string][]byte{"k1": a, "k2": b}
}

func TestSealOpenRoundTrip(t *testing.T) {
	keys, _ := testKeys()
	m, err := NewManager("k1", keys)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	sealed, err := m.Seal("the answer text")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "k1.") {
		t.Fatalf("sealed value should carry key id, got %q", sealed)
	}
	if strings.Contains(sealed, "answer") {
		t.Fatalf("plaintext leaked into sealed value")
	}

	out, err := m.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "the answer text" {
		t.Fatalf("expected original value, got %q", out)
	}
}

func TestOpenAfterRotation(t *testing.T) {
	old, rotated := testKeys()

	oldManager, err := NewManager("k1", old)
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	sealed, err := oldManager.Seal("legacy")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	rotatedManager, err := NewManager("k2", rotated)
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}
	out, err := rotatedManager.Open(sealed)
	if err != nil {
		t.Fatalf("open with old key: %v", err)
	}
	if out != "legacy" {
		t.Fatalf("unexpected plaintext %q", out)
	}

	fresh, err := rotatedManager.Seal("fresh")
	if err != nil {
		t.Fatalf("seal with new key: %v", err)
	}
	if !strings.HasPrefix(fresh, "k2.") {
		t.Fatalf("expected new key id, got %q", fresh)
	}
}

func TestRejectsBadKeyLength(t *testing.T) {
	if _, err := NewManager("k", map[string][]byte{"k": []byte("short")}); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestOpenMalformedValue(t *testing.T) {
	keys, _ := testKeys()
	m, err := NewManager("k1", keys)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Open("garbage"); err == nil {
		t.Fatalf("expected error for malformed value")
	}
}
