package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

/*
MemStore is an in-memory storage provider backed by a map. It is only suitable
for tests. Etags are content hashes disambiguated by a write generation, so
rewriting identical bytes still invalidates outstanding witnesses, matching
the strictest behavior a real store may exhibit.
*/

////////////////////////////////////////////////////////////////////////////////

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

// MemStore is an in-memory store.
type MemStore struct {
	objects map[string]memObject
	gen     uint64
	mtx     sync.Mutex
}

// NewMemStore returns a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

// Get retrieves an object and its etag.
func (m *MemStore) Get(_ context.Context, id string) ([]byte, string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, "", ErrObjectNotFound
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.etag, nil
}

// Put stores an object unconditionally.
func (m *MemStore) Put(_ context.Context, id string, data []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.store(id, data)
	return nil
}

// PutIfAbsent stores an object only if it does not exist.
func (m *MemStore) PutIfAbsent(_ context.Context, id string, data []byte) (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.objects[id]; ok {
		return "", ErrPreconditionFailed
	}
	return m.store(id, data), nil
}

// PutIfMatch overwrites an object only if its etag still matches.
func (m *MemStore) PutIfMatch(_ context.Context, id string, data []byte, etag string) (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	obj, ok := m.objects[id]
	if !ok || obj.etag != etag {
		return "", ErrPreconditionFailed
	}
	return m.store(id, data), nil
}

// List enumerates objects under a prefix in key order.
func (m *MemStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	infos := []ObjectInfo{}
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				ETag:         obj.etag,
				LastModified: obj.modified,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Delete removes an object.
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.objects, id)
	return nil
}

func (m *MemStore) String() string {
	return "memory"
}

func (m *MemStore) store(id string, data []byte) string {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.gen++
	sum := md5.Sum(append(stored, byte(m.gen), byte(m.gen>>8), byte(m.gen>>16), byte(m.gen>>24)))
	obj := memObject{
		data:     stored,
		etag:     hex.EncodeToString(sum[:]),
		modified: time.Now(),
	}
	m.objects[id] = obj
	return obj.etag
}
