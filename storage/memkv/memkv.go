package memkv

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-devtracker-auth/storage"
)

var _ storage.KV = (*MemKV)(nil)

// MemKV is an in-memory KV used by tests and ephemeral sessions.
type MemKV struct {
	values map[string]string
	err    error // returned by every operation when set
	lock   sync.RWMutex
}

func New() *MemKV {
	return &MemKV{
		values: make(map[string]string),
	}
}

// FailWith makes every following operation return err; nil restores normal behaviour.
func (m *MemKV) FailWith(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.err = err
}

func (m *MemKV) Get(_ context.Context, key string) (string, bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemKV) Set(_ context.Context, key, value string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func (m *MemKV) MultiGet(_ context.Context, keys ...string) (map[string]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemKV) MultiSet(_ context.Context, pairs map[string]string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.err != nil {
		return m.err
	}
	for k, v := range pairs {
		m.values[k] = v
	}
	return nil
}

func (m *MemKV) MultiRemove(_ context.Context, keys ...string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Len reports the number of stored keys.
func (m *MemKV) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.values)
}
