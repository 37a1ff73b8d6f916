package blob

import (
	"context"
	"sync"
)

// Memory is an in-process store for tests and local runs without object storage.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

func NewMemory() *Memory {
	return &Memory{objects: map[string]memoryObject{}}
}

func (m *Memory) Stat(_ context.Context, path string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Path: path, Size: int64(len(obj.data)), ContentType: obj.contentType, UserMetadata: obj.metadata}, nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	_, err := m.Stat(ctx, path)
	return err == nil, nil
}

func (m *Memory) Put(_ context.Context, path string, data []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = memoryObject{data: append([]byte(nil), data...), contentType: contentType, metadata: metadata}
	return nil
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) Ping(context.Context) error { return nil }
