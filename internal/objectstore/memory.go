package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	now     func() time.Time
}

type memObject struct {
	data        []byte
	contentType string
	etag        string
	modified    time.Time
	metadata    map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*memObject),
		now:     time.Now,
	}
}

func (m *MemoryStore) Put(ctx context.Context, key, contentType string, size int64, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &memObject{
		data:        data,
		contentType: contentType,
		etag:        etag,
		modified:    m.now().UTC(),
	}
	return etag, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), m.info(key, obj), nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return m.info(key, obj), nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix, after string, max int) (ListPage, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	truncated := false
	if max > 0 && len(keys) > max {
		keys = keys[:max]
		truncated = true
	}

	page := ListPage{Objects: make([]ObjectInfo, 0, len(keys))}
	m.mu.RLock()
	for _, k := range keys {
		if obj, ok := m.objects[k]; ok {
			page.Objects = append(page.Objects, m.info(k, obj))
		}
	}
	m.mu.RUnlock()
	if truncated && len(page.Objects) > 0 {
		page.NextCursor = page.Objects[len(page.Objects)-1].Key
	}
	return page, nil
}

func (m *MemoryStore) Copy(ctx context.Context, srcKey, destKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.objects[srcKey]
	if !ok {
		return ErrNotFound
	}
	cp := *src
	cp.data = append([]byte(nil), src.data...)
	cp.modified = m.now().UTC()
	m.objects[destKey] = &cp
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, srcKey, destKey string) error {
	if err := m.Copy(ctx, srcKey, destKey); err != nil {
		return err
	}
	return m.Delete(ctx, srcKey)
}

func (m *MemoryStore) DeleteByPrefix(ctx context.Context, prefix string) (int, []error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) PrefixSize(ctx context.Context, prefix string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var size, count int64
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			size += int64(len(obj.data))
			count++
		}
	}
	return size, count, nil
}

func (m *MemoryStore) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://upload/%s?ttl=%s", key, ClampTTL(ttl)), nil
}

func (m *MemoryStore) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("memory://download/%s?ttl=%s", key, ClampTTL(ttl)), nil
}

func (m *MemoryStore) info(key string, obj *memObject) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		ContentType:  obj.contentType,
		LastModified: obj.modified,
		Metadata:     obj.metadata,
	}
}

var _ Store = (*MemoryStore)(nil)
