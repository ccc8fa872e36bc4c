package fingerprint_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/noidd/noidd/internal/fingerprint"
)

func TestHashFile_Stable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	a, err := fingerprint.HashFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := fingerprint.HashFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("HashFile not stable: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("len(Fingerprint) = %d, want 16", len(a))
	}
}

func TestHashFile_DifferentContentDifferentHash(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "b.txt")
	os.WriteFile(p1, []byte("one"), 0o644)
	os.WriteFile(p2, []byte("two"), 0o644)

	h1, err := fingerprint.HashFile(p1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := fingerprint.HashFile(p2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 == h2 {
		t.Errorf("expected different fingerprints, got %q for both", h1)
	}
}

func TestHashFile_Vanished(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	_, err := fingerprint.HashFile(path)
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
	if !fingerprint.IsSkip(err) {
		t.Errorf("expected IsSkip(err) to be true, got false for: %v", err)
	}
}

func TestHashFile_NotRegular(t *testing.T) {
	dir := t.TempDir()
	_, err := fingerprint.HashFile(dir)
	if err == nil {
		t.Fatal("expected error for directory path, got nil")
	}
	if !fingerprint.IsSkip(err) {
		t.Errorf("expected IsSkip(err) to be true, got false for: %v", err)
	}
}
