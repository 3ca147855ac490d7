package dfs

import (
	"io"
	"sync"

	"github.com/pingcap/errors"
)

// ErrFileNotFound is returned when a file id is unknown to the store.
var ErrFileNotFound = errors.New("file not found")

// InMemFS keeps all files in memory. It is used by tests and tools.
type InMemFS struct {
	mu    sync.Mutex
	files map[uint64][]byte
}

func NewInMemFS() *InMemFS {
	return &InMemFS{files: map[uint64][]byte{}}
}

// Create adds a file to the store, overwriting any previous content.
func (fs *InMemFS) Create(id uint64, data []byte) {
	fs.mu.Lock()
	fs.files[id] = data
	fs.mu.Unlock()
}

func (fs *InMemFS) Open(id uint64, opts Options) (File, error) {
	fs.mu.Lock()
	data, ok := fs.files[id]
	fs.mu.Unlock()
	if !ok {
		return nil, errors.AddStack(ErrFileNotFound)
	}
	return &memFile{id: id, data: data}, nil
}

func (fs *InMemFS) Prefetch(id uint64, opts Options) error {
	fs.mu.Lock()
	_, ok := fs.files[id]
	fs.mu.Unlock()
	if !ok {
		return errors.AddStack(ErrFileNotFound)
	}
	return nil
}

func (fs *InMemFS) Remove(id uint64, opts Options) error {
	fs.mu.Lock()
	delete(fs.files, id)
	fs.mu.Unlock()
	return nil
}

// Exists reports whether the file is still present, tests use it to
// observe deferred removal.
func (fs *InMemFS) Exists(id uint64) bool {
	fs.mu.Lock()
	_, ok := fs.files[id]
	fs.mu.Unlock()
	return ok
}

type memFile struct {
	id   uint64
	data []byte
}

func (f *memFile) ID() uint64 {
	return f.id
}

func (f *memFile) Size() int64 {
	return int64(len(f.data))
}

func (f *memFile) ReadAt(b []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.data[off:])
	if n < len(b) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}
