// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package kvstore

import (
	"context"
	"sync"
)

// MemoryStore implements Store with a map. Values are copied in and out.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get retrieves the value at key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s.data}.Get(key)
}

// Set stores val at key.
func (s *MemoryStore) Set(ctx context.Context, key string, val []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s.data}.Set(key, val)
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s.data}.Delete(key)
}

// Update runs fn against a scratch copy and commits it only when fn
// returns nil.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	scratch := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		scratch[k] = v
	}
	if err := fn(memTx{scratch}); err != nil {
		return err
	}
	s.data = scratch
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

type memTx struct {
	data map[string][]byte
}

func (t memTx) Get(key string) ([]byte, error) {
	v, ok := t.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t memTx) Set(key string, val []byte) error {
	t.data[key] = append([]byte(nil), val...)
	return nil
}

func (t memTx) Delete(key string) error {
	delete(t.data, key)
	return nil
}
