package classloader

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ClassSource is the external contract of §4.2/§6: given an object type's
// binary name, try to produce its raw .class bytes. Returning (nil, nil)
// means "not found here, ask the next source"; a non-nil error is a hard
// error that aborts resolution.
type ClassSource interface {
	TryLoad(binaryName string) ([]byte, error)
}

// DirSource resolves classes from a filesystem directory tree, the way a
// classpath directory entry does.
type DirSource struct {
	Root string
}

func NewDirSource(root string) *DirSource { return &DirSource{Root: root} }

func (d *DirSource) TryLoad(binaryName string) ([]byte, error) {
	path := filepath.Join(d.Root, filepath.FromSlash(binaryName)+".class")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// ZipSource resolves classes from a .jar/.zip archive, keeping the archive
// open for the lifetime of the source.
type ZipSource struct {
	mu sync.Mutex
	r  *zip.ReadCloser
}

func NewZipSource(path string) (*ZipSource, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	return &ZipSource{r: r}, nil
}

func (z *ZipSource) Close() error { return z.r.Close() }

func (z *ZipSource) TryLoad(binaryName string) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	name := binaryName + ".class"
	for _, f := range z.r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, nil
}

// MemorySource is a synthetic, in-memory source, useful for tests and for
// classes generated at runtime (e.g. by tooling, not by this VM itself).
type MemorySource struct {
	mu      sync.RWMutex
	classes map[string][]byte
}

func NewMemorySource() *MemorySource {
	return &MemorySource{classes: make(map[string][]byte)}
}

func (m *MemorySource) Put(binaryName string, bytes []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[binaryName] = bytes
}

func (m *MemorySource) TryLoad(binaryName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.classes[binaryName]
	if !ok {
		return nil, nil
	}
	return b, nil
}
