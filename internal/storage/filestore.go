package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps one file per key under a root directory. Writes go to a
// temp file in the destination directory followed by a rename, so a crash
// can never leave a truncated record behind.
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// keyLock returns the mutex serializing writers of one key.
func (fs *FileStore) keyLock(key string) *sync.Mutex {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	l, ok := fs.locks[key]
	if !ok {
		l = &sync.Mutex{}
		fs.locks[key] = l
	}
	return l
}

func (fs *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid key: %q", key)
	}
	return filepath.Join(fs.root, clean), nil
}

func (fs *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := fs.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (fs *FileStore) Put(ctx context.Context, key string, value []byte) error {
	lock := fs.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	return fs.writeAtomic(key, value)
}

func (fs *FileStore) writeAtomic(key string, value []byte) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file for %s: %w", key, err)
	}
	return nil
}

func (fs *FileStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	lock := fs.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	path, err := fs.path(key)
	if err != nil {
		return err
	}

	cur, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cur = nil
	} else if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return fs.writeAtomic(key, next)
}

func (fs *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

func (fs *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(fs.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (fs *FileStore) Delete(ctx context.Context, key string) error {
	lock := fs.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	path, err := fs.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (fs *FileStore) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := fs.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := fs.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
