package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sync"
	"time"
)

// MemoryLoader is an in-memory Loader. It counts Head and Open calls so tests
// can assert which lookups a request performed.
type MemoryLoader struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	heads   int
	opens   int
}

type memoryObject struct {
	data         []byte
	contentType  string
	etag         string
	lastModified time.Time
}

// NewMemoryLoader returns an empty loader.
func NewMemoryLoader() *MemoryLoader {
	return &MemoryLoader{objects: make(map[string]memoryObject)}
}

// Put stores data under key. The ETag is the quoted MD5 of data, as S3
// reports it for single-part uploads.
func (m *MemoryLoader) Put(key string, data []byte, contentType string) string {
	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{
		data:         append([]byte(nil), data...),
		contentType:  contentType,
		etag:         etag,
		lastModified: time.Now().UTC(),
	}
	return etag
}

// Delete removes key.
func (m *MemoryLoader) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

func (m *MemoryLoader) Head(ctx context.Context, key string) (Freshness, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads++

	obj, ok := m.objects[key]
	if !ok {
		return Freshness{}, &Error{Op: "Head", Bucket: "memory", Key: key, Kind: ErrNotFound}
	}
	ct := obj.contentType
	if ct == "" {
		ct = defaultContentType
	}
	return Freshness{
		ByteLength:   int64(len(obj.data)),
		ETag:         obj.etag,
		LastModified: obj.lastModified,
		ContentType:  ct,
	}, nil
}

func (m *MemoryLoader) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++

	obj, ok := m.objects[key]
	if !ok {
		return nil, &Error{Op: "Open", Bucket: "memory", Key: key, Kind: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// HeadCalls returns the number of Head calls so far.
func (m *MemoryLoader) HeadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads
}

// OpenCalls returns the number of Open calls so far.
func (m *MemoryLoader) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}
