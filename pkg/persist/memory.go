package persist

import "sync"

// Memory is an in-process Adapter with an optional byte quota. It backs tests and deployments
// that want the cache engine without durability.
type Memory struct { // Implements Adapter.
	mux        sync.RWMutex
	blobs      map[string][]byte
	totalBytes int64
	quotaBytes int64 // 0 or negative disables the quota.
}

var _ Adapter = (*Memory)(nil)

// NewMemory returns an in-memory adapter capped at quotaBytes (<= 0 for unlimited).
func NewMemory(quotaBytes int64) *Memory {
	return &Memory{blobs: make(map[string][]byte), quotaBytes: quotaBytes}
}

func (m *Memory) Read(key string) ([]byte, bool, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	blob, found := m.blobs[key]
	return blob, found, nil
}

func (m *Memory) Write(key string, blob []byte) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	newTotal := m.totalBytes + int64(len(blob)) - int64(len(m.blobs[key]))
	if m.quotaBytes > 0 && newTotal > m.quotaBytes {
		return ErrQuotaExceeded
	}
	m.blobs[key] = append([]byte(nil), blob...)
	m.totalBytes = newTotal
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.totalBytes -= int64(len(m.blobs[key]))
	delete(m.blobs, key)
	return nil
}

// TotalBytes returns the current stored size; used by quota tests.
func (m *Memory) TotalBytes() int64 {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.totalBytes
}
