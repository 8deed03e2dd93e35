/**
 * Record store for the drawings annotation worker.
 *
 * The engine is storage-agnostic: every persisted unit (upload metadata,
 * crop sets, crop images, annotation records) lives under one key, and all
 * backends guarantee atomic per-key writes plus an atomic read-modify-write
 * so that propagation rewrites never race a concurrent save of the same
 * crop.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scopebuilder/drawings-worker/internal/errors"
)

// UpdateFunc transforms the current value of a key. cur is nil when the key
// does not exist yet. Returning an error aborts the update without writing;
// returning a nil value skips the write.
type UpdateFunc func(cur []byte) ([]byte, error)

// Store is a key-addressed record store.
type Store interface {
	// Get returns the value for key, or a NOT_FOUND error.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the value atomically (write-temp-then-rename or
	// transactional equivalent).
	Put(ctx context.Context, key string, value []byte) error

	// Update applies fn to the current value under a per-key write lock.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Exists reports whether key has a value.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// GetJSON reads and unmarshals the value at key into v.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewStorageFailed("decode", key, err)
	}
	return nil
}

// PutJSON marshals v and writes it at key.
func PutJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.NewStorageFailed("encode", key, err)
	}
	return s.Put(ctx, key, data)
}

// notFound builds the canonical missing-key error shared by all backends.
func notFound(key string) error {
	return errors.NewNotFound("record", key)
}

// Key builders. The scheme mirrors the layout of the persisted units:
// one object per upload, per (upload, page) crop set, and per
// (upload, page, crop) annotation record.

func PDFKey(uploadID string) string {
	return fmt.Sprintf("uploads/%s/document.pdf", uploadID)
}

func MetadataKey(uploadID string) string {
	return fmt.Sprintf("uploads/%s/metadata.json", uploadID)
}

func CropSetKey(uploadID string, pageNum int) string {
	return fmt.Sprintf("uploads/%s/page%d/crops.json", uploadID, pageNum)
}

func CropImageKey(uploadID string, pageNum, cropIdx int) string {
	return fmt.Sprintf("uploads/%s/page%d/crop_%d.png", uploadID, pageNum, cropIdx)
}

func ThumbnailKey(uploadID string, pageNum int) string {
	return fmt.Sprintf("thumbnails/%s/page_%d.png", uploadID, pageNum)
}

func AnnotationKey(uploadID string, pageNum, cropIdx int) string {
	return fmt.Sprintf("annotations/%s/page%d_crop%d.json", uploadID, pageNum, cropIdx)
}

// AnnotationPrefix covers every annotation record of one upload.
func AnnotationPrefix(uploadID string) string {
	return fmt.Sprintf("annotations/%s/", uploadID)
}

// ParseAnnotationKey inverts AnnotationKey. ok is false for keys that do
// not follow the annotation scheme.
func ParseAnnotationKey(key string) (uploadID string, pageNum, cropIdx int, ok bool) {
	var page, crop int
	var id, rest string
	n, err := fmt.Sscanf(key, "annotations/%s", &rest)
	if err != nil || n != 1 {
		return "", 0, 0, false
	}
	slash := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			slash = i
			break
		}
	}
	if slash <= 0 {
		return "", 0, 0, false
	}
	id = rest[:slash]
	n, err = fmt.Sscanf(rest[slash+1:], "page%d_crop%d.json", &page, &crop)
	if err != nil || n != 2 {
		return "", 0, 0, false
	}
	return id, page, crop, true
}

// UploadPrefix covers the PDF, metadata, crop sets and crop images of one
// upload.
func UploadPrefix(uploadID string) string {
	return fmt.Sprintf("uploads/%s/", uploadID)
}

// ThumbnailPrefix covers every thumbnail of one upload.
func ThumbnailPrefix(uploadID string) string {
	return fmt.Sprintf("thumbnails/%s/", uploadID)
}
