package mock

import (
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("mock: no such file or directory")
	ErrExists   = errors.New("mock: file exists")
	ErrNotEmpty = errors.New("mock: directory not empty")
	ErrIsDir    = errors.New("mock: is a directory")
)

type FileInfo struct {
	Name  string
	IsDir bool
}

// FS is the SD card: a tree of directories and files keyed by cleaned absolute path.
type FS struct {
	mu    sync.Mutex
	dirs  map[string]struct{}
	files map[string][]byte
}

func NewFS() *FS {
	return &FS{
		dirs:  map[string]struct{}{"/": {}},
		files: make(map[string][]byte),
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func (fs *FS) existsLocked(p string) bool {
	_, d := fs.dirs[p]
	_, f := fs.files[p]
	return d || f
}

func (fs *FS) IsDir(p string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.dirs[clean(p)]
	return ok
}

// Mkdir creates one directory; the parent must exist.
func (fs *FS) Mkdir(p string) error {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.existsLocked(p) {
		return ErrExists
	}
	if _, ok := fs.dirs[path.Dir(p)]; !ok {
		return ErrNotFound
	}
	fs.dirs[p] = struct{}{}
	return nil
}

// MkdirAll creates p and any missing parents.
func (fs *FS) MkdirAll(p string) {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for q := p; q != "/"; q = path.Dir(q) {
		fs.dirs[q] = struct{}{}
	}
}

func (fs *FS) WriteFile(p string, data []byte) error {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.dirs[p]; ok {
		return ErrIsDir
	}
	if _, ok := fs.dirs[path.Dir(p)]; !ok {
		return ErrNotFound
	}
	b := make([]byte, len(data))
	copy(b, data)
	fs.files[p] = b
	return nil
}

func (fs *FS) ReadFile(p string) ([]byte, error) {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b, ok := fs.files[p]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// List returns the directory's children sorted by name.
func (fs *FS) List(p string) ([]FileInfo, error) {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.dirs[p]; !ok {
		return nil, ErrNotFound
	}

	var out []FileInfo
	for d := range fs.dirs {
		if d != "/" && path.Dir(d) == p {
			out = append(out, FileInfo{Name: path.Base(d), IsDir: true})
		}
	}
	for f := range fs.files {
		if path.Dir(f) == p {
			out = append(out, FileInfo{Name: path.Base(f)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes a file or an empty directory.
func (fs *FS) Remove(p string) error {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[p]; ok {
		delete(fs.files, p)
		return nil
	}
	if _, ok := fs.dirs[p]; !ok || p == "/" {
		return ErrNotFound
	}
	prefix := p + "/"
	for d := range fs.dirs {
		if strings.HasPrefix(d, prefix) {
			return ErrNotEmpty
		}
	}
	for f := range fs.files {
		if strings.HasPrefix(f, prefix) {
			return ErrNotEmpty
		}
	}
	delete(fs.dirs, p)
	return nil
}

// Rename gives a file a new name within its directory.
func (fs *FS) Rename(p, newName string) error {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b, ok := fs.files[p]
	if !ok {
		return ErrNotFound
	}
	dst := path.Join(path.Dir(p), newName)
	if fs.existsLocked(dst) {
		return ErrExists
	}
	delete(fs.files, p)
	fs.files[dst] = b
	return nil
}
