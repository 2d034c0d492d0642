package objstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}

	// Identical content in a different file yields the same hash.
	path2 := filepath.Join(t.TempDir(), "g.bin")
	if err := os.WriteFile(path2, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	got2, err := HashFile(path2)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if got2 != got {
		t.Errorf("same content hashed differently: %s vs %s", got, got2)
	}
}

func TestFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, []byte("12345"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	size, err := FileSize(path)
	if err != nil {
		t.Fatalf("FileSize failed: %v", err)
	}
	if size != 5 {
		t.Errorf("FileSize = %d, want 5", size)
	}
	if _, err := FileSize(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewStorageRequiresEndpoint(t *testing.T) {
	t.Setenv("OBJSTORE_ENDPOINT", "")
	t.Setenv("OBJSTORE_BUCKET", "")
	if _, err := NewStorage(); err == nil {
		t.Fatal("expected error when endpoint is unset")
	}
}

func TestNewStorageParsesEndpointURL(t *testing.T) {
	s, err := NewStorage(
		WithEndpoint("https://storage.example.com"),
		WithCredentials("ak", "sk"),
		WithBucket("whatsy-media"),
	)
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	if s.bucket != "whatsy-media" {
		t.Errorf("bucket = %q", s.bucket)
	}
}
