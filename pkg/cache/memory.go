package cache

import (
	"bytes"
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps entries in process. A size of zero means unbounded and
// a zero retention keeps entries until they are evicted by size.
type MemoryStore struct {
	lru *expirable.LRU[string, []byte]
}

func NewMemoryStore(size int, retention time.Duration) *MemoryStore {
	return &MemoryStore{lru: expirable.NewLRU[string, []byte](size, nil, retention)}
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	data, ok := s.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}

	return data, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, data []byte) error {
	s.lru.Add(key, bytes.Clone(data))
	return nil
}

func (s *MemoryStore) Len() int {
	return s.lru.Len()
}
