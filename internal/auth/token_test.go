package auth

import (
	"path/filepath"
	"testing"
)

func TestNewDeviceTokenUnique(t *testing.T) {
	a, b := NewDeviceToken(), NewDeviceToken()
	if a == "" || b == "" {
		t.Fatal("tokens must not be empty")
	}
	if a == b {
		t.Fatal("tokens must differ")
	}
}

func TestFileTokenStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "device_token")
	store, err := NewFileTokenStore(path)
	if err != nil {
		t.Fatalf("NewFileTokenStore: %v", err)
	}

	// Missing file reads as empty, not as an error.
	if tok, err := store.Load(); err != nil || tok != "" {
		t.Fatalf("Load on missing file: %q, %v", tok, err)
	}

	if err := store.Save("device-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if tok, _ := store.Load(); tok != "device-1" {
		t.Fatalf("Load = %q, want device-1", tok)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if tok, _ := store.Load(); tok != "" {
		t.Fatalf("Load after Clear = %q, want empty", tok)
	}
	// Clearing twice is fine.
	if err := store.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestFileTokenStoreRequiresPath(t *testing.T) {
	if _, err := NewFileTokenStore("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
