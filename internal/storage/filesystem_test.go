package storage

import (
	"context"
	"testing"
)

func TestFileStoreWriteRead(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}

	key, err := store.Write(context.Background(), "runs/s1/images/a.png", []byte("payload"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if key != "runs/s1/images/a.png" {
		t.Fatalf("key = %q", key)
	}

	data, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("Read = %q", data)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}

	for _, key := range []string{"../escape.png", "runs/../../etc/passwd", "", "."} {
		if _, err := store.Write(context.Background(), key, []byte("x")); err == nil {
			t.Fatalf("Write accepted key %q", key)
		}
		if _, err := store.Path(key); err == nil {
			t.Fatalf("Path accepted key %q", key)
		}
	}

	// Leading slashes and backslashes normalize instead of erroring.
	key, err := store.Write(context.Background(), "/runs\\s2\\b.png", []byte("x"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if key != "runs/s2/b.png" {
		t.Fatalf("normalized key = %q", key)
	}
}
