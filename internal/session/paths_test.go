package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".comtalk", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestCacheDBPath(t *testing.T) {
	got := CacheDBPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "cache.db")) {
		t.Errorf("CacheDBPath(test) = %q, want suffix profiles/test/cache.db", got)
	}
}

func TestBlobDir(t *testing.T) {
	got := BlobDir("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "blobs")) {
		t.Errorf("BlobDir(test) = %q, want suffix profiles/test/blobs", got)
	}
}

func TestValidateProfile(t *testing.T) {
	valid := []string{"main", "work-1", "a", "under_score"}
	for _, name := range valid {
		if err := ValidateProfile(name); err != nil {
			t.Errorf("ValidateProfile(%q) error = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "UPPER", "has space", "slash/name", strings.Repeat("x", 65)}
	for _, name := range invalid {
		if err := ValidateProfile(name); err == nil {
			t.Errorf("ValidateProfile(%q) = nil, want error", name)
		}
	}
}
