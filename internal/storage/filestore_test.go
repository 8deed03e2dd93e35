package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scopebuilder/drawings-worker/internal/errors"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return fs
}

func TestFileStoreGetPut(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	if _, err := fs.Get(ctx, "uploads/abc/metadata.json"); !errors.IsNotFound(err) {
		t.Errorf("Get on missing key returned %v, want NOT_FOUND", err)
	}

	if err := fs.Put(ctx, "uploads/abc/metadata.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := fs.Get(ctx, "uploads/abc/metadata.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("Get returned %q", data)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	for _, key := range []string{"../escape", "/absolute", ".."} {
		if err := fs.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Put(%q) accepted an invalid key", key)
		}
	}
}

func TestFileStoreUpdate(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	key := "annotations/abc/page1_crop0.json"

	err := fs.Update(ctx, key, func(cur []byte) ([]byte, error) {
		if cur != nil {
			t.Errorf("expected nil current value for new key, got %q", cur)
		}
		return []byte("v1"), nil
	})
	if err != nil {
		t.Fatalf("create via Update failed: %v", err)
	}

	err = fs.Update(ctx, key, func(cur []byte) ([]byte, error) {
		if string(cur) != "v1" {
			t.Errorf("current value = %q, want v1", cur)
		}
		return []byte("v2"), nil
	})
	if err != nil {
		t.Fatalf("modify via Update failed: %v", err)
	}

	// nil result skips the write
	err = fs.Update(ctx, key, func(cur []byte) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("skip via Update failed: %v", err)
	}

	data, err := fs.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("value = %q, want v2", data)
	}
}

func TestFileStoreUpdateAbortsOnError(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	key := "uploads/abc/page1/crops.json"

	if err := fs.Put(ctx, key, []byte("before")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	wantErr := errors.NewAlreadyProcessed("abc", 1)
	err := fs.Update(ctx, key, func(cur []byte) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.IsAlreadyProcessed(err) {
		t.Errorf("Update returned %v, want ALREADY_PROCESSED", err)
	}

	data, _ := fs.Get(ctx, key)
	if string(data) != "before" {
		t.Errorf("aborted update changed the value to %q", data)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := fs.Put(ctx, "uploads/abc/document.pdf", []byte("pdf")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.Base(path), ".tmp-") {
			t.Errorf("temp file left behind: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
}

func TestFileStoreListAndDeletePrefix(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	keys := []string{
		"annotations/abc/page2_crop0.json",
		"annotations/abc/page1_crop1.json",
		"annotations/abc/page1_crop0.json",
		"annotations/xyz/page1_crop0.json",
	}
	for _, key := range keys {
		if err := fs.Put(ctx, key, []byte("{}")); err != nil {
			t.Fatalf("Put(%q) failed: %v", key, err)
		}
	}

	listed, err := fs.List(ctx, "annotations/abc/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{
		"annotations/abc/page1_crop0.json",
		"annotations/abc/page1_crop1.json",
		"annotations/abc/page2_crop0.json",
	}
	if len(listed) != len(want) {
		t.Fatalf("List returned %v, want %v", listed, want)
	}
	for i := range want {
		if listed[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q (sorted)", i, listed[i], want[i])
		}
	}

	if err := fs.DeletePrefix(ctx, "annotations/abc/"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	remaining, _ := fs.List(ctx, "annotations/")
	if len(remaining) != 1 || remaining[0] != "annotations/xyz/page1_crop0.json" {
		t.Errorf("after DeletePrefix, remaining = %v", remaining)
	}

	// deleting a missing key is not an error
	if err := fs.Delete(ctx, "annotations/abc/page1_crop0.json"); err != nil {
		t.Errorf("Delete of missing key returned %v", err)
	}
}

func TestParseAnnotationKey(t *testing.T) {
	tests := []struct {
		key      string
		uploadID string
		pageNum  int
		cropIdx  int
		ok       bool
	}{
		{"annotations/abc123/page4_crop2.json", "abc123", 4, 2, true},
		{"annotations/abc123/page1_crop0.json", "abc123", 1, 0, true},
		{"uploads/abc123/metadata.json", "", 0, 0, false},
		{"annotations/abc123/garbage", "", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			id, page, crop, ok := ParseAnnotationKey(tt.key)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if id != tt.uploadID || page != tt.pageNum || crop != tt.cropIdx {
				t.Errorf("parsed (%q,%d,%d), want (%q,%d,%d)",
					id, page, crop, tt.uploadID, tt.pageNum, tt.cropIdx)
			}
		})
	}
}

func TestAnnotationKeyRoundTrip(t *testing.T) {
	key := AnnotationKey("up1", 3, 7)
	id, page, crop, ok := ParseAnnotationKey(key)
	if !ok || id != "up1" || page != 3 || crop != 7 {
		t.Errorf("round trip failed: %q -> (%q,%d,%d,%v)", key, id, page, crop, ok)
	}
}
