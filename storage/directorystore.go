package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

/*
DirectoryStore is a storage provider backed by a local directory. It is
intended for development and testing. Conditional writes are serialized with
an in-process mutex, so the CAS guarantees only hold within a single process -
production deployments use an object store with native conditional writes.
*/

////////////////////////////////////////////////////////////////////////////////

// DirectoryStore stores objects as files under a root directory.
type DirectoryStore struct {
	root string
	mtx  sync.Mutex
}

// NewDirectoryStore creates a new DirectoryStore.
func NewDirectoryStore(root string) *DirectoryStore {
	return &DirectoryStore{root: root}
}

// Get retrieves an object and its etag.
func (d *DirectoryStore) Get(_ context.Context, id string) ([]byte, string, error) {
	data, err := os.ReadFile(d.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrObjectNotFound
		}
		return nil, "", fmt.Errorf("failed to read object: %w", err)
	}
	return data, etagOf(data), nil
}

// Put stores an object unconditionally.
func (d *DirectoryStore) Put(_ context.Context, id string, data []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.write(id, data)
}

// PutIfAbsent stores an object only if it does not exist.
func (d *DirectoryStore) PutIfAbsent(_ context.Context, id string, data []byte) (string, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, err := os.Stat(d.path(id)); err == nil {
		return "", ErrPreconditionFailed
	}
	if err := d.write(id, data); err != nil {
		return "", err
	}
	return etagOf(data), nil
}

// PutIfMatch overwrites an object only if its etag still matches.
func (d *DirectoryStore) PutIfMatch(_ context.Context, id string, data []byte, etag string) (string, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	current, err := os.ReadFile(d.path(id))
	if err != nil {
		return "", ErrPreconditionFailed
	}
	if etagOf(current) != etag {
		return "", ErrPreconditionFailed
	}
	if err := d.write(id, data); err != nil {
		return "", err
	}
	return etagOf(data), nil
}

// List enumerates objects under a prefix.
func (d *DirectoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	infos := []ObjectInfo{}
	err := filepath.WalkDir(d.root, func(fpath string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(filepath.ToSlash(strings.TrimPrefix(fpath, d.root)), "/")
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat object: %w", err)
		}
		data, err := os.ReadFile(fpath)
		if err != nil {
			return fmt.Errorf("failed to read object: %w", err)
		}
		infos = append(infos, ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			ETag:         etagOf(data),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return infos, nil
}

// Delete removes an object.
func (d *DirectoryStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(d.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) { // for conformance to S3 API
			return nil
		}
		return fmt.Errorf("deletion failure: %w", err)
	}
	return nil
}

func (d *DirectoryStore) String() string {
	return fmt.Sprintf("directory(%s)", d.root)
}

func (d *DirectoryStore) path(id string) string {
	return filepath.Join(d.root, filepath.FromSlash(id))
}

func (d *DirectoryStore) write(id string, data []byte) error {
	fpath := d.path(id)
	if err := os.MkdirAll(path.Dir(filepath.ToSlash(fpath)), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	tmp := fpath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write failure: %w", err)
	}
	if err := os.Rename(tmp, fpath); err != nil {
		return fmt.Errorf("rename failure: %w", err)
	}
	return nil
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
