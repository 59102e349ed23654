package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSealedRoundTrip(t *testing.T) {
	store, err := New(t.TempDir(), "s3cret")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save("s1", []byte("device-keys")); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(store.Path("s1"), fileName))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if raw[0] != formatSealed {
		t.Fatalf("expected sealed format byte, got %d", raw[0])
	}
	got, err := store.Load("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "device-keys" {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	got, err := store.Load("absent")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %v, %v", got, err)
	}
	if store.Exists("absent") {
		t.Fatalf("expected absent session to not exist")
	}
}

func TestTamperedBlobIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, "s3cret")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save("s1", []byte("device-keys")); err != nil {
		t.Fatalf("save: %v", err)
	}
	path := filepath.Join(store.Path("s1"), fileName)
	raw, _ := os.ReadFile(path)
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := store.Load("s1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestBlobBoundToSession(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, "s3cret")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save("s1", []byte("device-keys")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.MkdirAll(store.Path("s2"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw, _ := os.ReadFile(filepath.Join(store.Path("s1"), fileName))
	if err := os.WriteFile(filepath.Join(store.Path("s2"), fileName), raw, 0o600); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := store.Load("s2"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for copied blob, got %v", err)
	}
}

func TestWrongSecretIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	first, _ := New(dir, "one")
	if err := first.Save("s1", []byte("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	second, _ := New(dir, "two")
	if _, err := second.Load("s1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	plain, _ := New(dir, "")
	if _, err := plain.Load("s1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt without secret, got %v", err)
	}
}

func TestWipeRemovesDirectory(t *testing.T) {
	store, _ := New(t.TempDir(), "")
	if err := store.Save("s1", []byte("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Wipe("s1"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if _, err := os.Stat(store.Path("s1")); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, got %v", err)
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	store, _ := New(t.TempDir(), "")
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if err := store.Save(id, []byte("x")); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID for %q, got %v", id, err)
		}
	}
}
