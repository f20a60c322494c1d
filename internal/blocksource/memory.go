package blocksource

import (
	"context"
	"io"
	"sync"

	"github.com/redopipe/redopipe/internal/rerr"
)

// MemorySource is an in-memory Source used by tests to drive the reader and
// parser without touching the filesystem. Files are registered up front via
// Put; ReadAt clamps to the stored length and returns io.EOF past it, same
// as a real file.
type MemorySource struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemorySource returns an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{files: make(map[string][]byte)}
}

// Put registers (or replaces) the content of a synthetic file.
func (m *MemorySource) Put(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
}

// Append grows an already-registered file in place, simulating an online
// log still being written to.
func (m *MemorySource) Append(path string, more []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append(m.files[path], more...)
}

type memHandle struct{ path string }

func (m *MemorySource) Open(path string) (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.files[path]; !ok {
		return nil, rerr.New(rerr.Runtime, 110, "blocksource: memory file not found: "+path)
	}
	return &memHandle{path: path}, nil
}

func (m *MemorySource) ReadAt(_ context.Context, h Handle, offset, length int64, buf []byte) (int, error) {
	mh := h.(*memHandle)
	m.mu.RLock()
	content := m.files[mh.path]
	m.mu.RUnlock()

	if offset >= int64(len(content)) {
		return 0, io.EOF
	}
	end := offset + length
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	n := copy(buf, content[offset:end])
	return n, nil
}

func (m *MemorySource) Close(Handle) error { return nil }
