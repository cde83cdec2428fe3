package blobstore

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestPutAndOpen(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()

	ref, err := s.Put(ctx, "audio_1.webm", []byte("payload"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Errorf("ref = %q, want file:// prefix", ref)
	}

	r, err := s.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("payload = %q", data)
	}
}

func TestSameNameDifferentContent(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ref1, err := s.Put(ctx, "a.webm", []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := s.Put(ctx, "a.webm", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if ref1 == ref2 {
		t.Error("refs collided for different content")
	}

	r, err := s.Open(ctx, ref1)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(r)
	_ = r.Close()
	if string(data) != "one" {
		t.Errorf("first blob = %q, want one", data)
	}
}

func TestOpenMissingRef(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(context.Background(), "file:///nope/missing"); err == nil {
		t.Fatal("Open() on missing ref should fail")
	}
}
