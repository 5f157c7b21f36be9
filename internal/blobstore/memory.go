package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	prefix string
	now    func() time.Time

	mu      sync.RWMutex
	objects map[string]Object
}

func newMemoryStore(prefix string, now func() time.Time) *memoryStore {
	return &memoryStore{
		prefix:  cleanPrefix(prefix),
		now:     now,
		objects: make(map[string]Object),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	k, err := resolveKey(m.prefix, key)
	if err != nil {
		return err
	}
	obj := Object{
		Key:          k.logical,
		Data:         bytes.Clone(payload),
		ContentType:  strings.TrimSpace(opts.ContentType),
		Metadata:     copyMetadata(opts.Metadata),
		LastModified: m.now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[k.full] = obj
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	k, err := resolveKey(m.prefix, key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[k.full]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, k.logical)
	}
	obj.Data = bytes.Clone(obj.Data)
	obj.Metadata = copyMetadata(obj.Metadata)
	return obj, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	k, err := resolveKey(m.prefix, key)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[k.full]
	return ok, nil
}
