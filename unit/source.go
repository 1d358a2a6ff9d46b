package unit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// FileExt is the extension of unit files on disk.
const FileExt = ".unit"

// ErrNotFound is returned by a Source that has no bytes for a name.
var ErrNotFound = errors.New("unit not found")

// Source resolves a container identifier to its canonical bytes. Lookups
// are plain reads: they never load, link or transform anything.
type Source interface {
	Lookup(name string) ([]byte, error)
}

// ValidName reports whether name is a well-formed container identifier:
// slash separated, non-empty segments, no dot segments.
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `\:`) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// DirSource
// ---------------------------------------------------------------------------

// DirSource reads <dir>/<name>.unit from the first directory that has it.
type DirSource struct {
	Dirs []string
}

// Lookup implements Source.
func (s DirSource) Lookup(name string) ([]byte, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}
	rel := filepath.FromSlash(name) + FileExt
	for _, dir := range s.Dirs {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Names lists every container identifier available under the source's
// directories, in directory order.
func (s DirSource) Names() ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	for _, dir := range s.Dirs {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(p) != FileExt {
				return nil
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			name := strings.TrimSuffix(path.Clean(filepath.ToSlash(rel)), FileExt)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	return names, nil
}

// ---------------------------------------------------------------------------
// MapSource
// ---------------------------------------------------------------------------

// MapSource is an in-memory Source, safe for concurrent use.
type MapSource struct {
	mu    sync.RWMutex
	units map[string][]byte
}

// NewMapSource creates an empty in-memory source.
func NewMapSource() *MapSource {
	return &MapSource{units: make(map[string][]byte)}
}

// Put stores bytes for name, replacing any previous entry.
func (s *MapSource) Put(name string, data []byte) {
	s.mu.Lock()
	s.units[name] = data
	s.mu.Unlock()
}

// PutUnit encodes u and stores it under its own name.
func (s *MapSource) PutUnit(u *Unit) error {
	data, err := Encode(u)
	if err != nil {
		return err
	}
	s.Put(u.Name, data)
	return nil
}

// Lookup implements Source.
func (s *MapSource) Lookup(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, nil
}

// SourceResolver resolves headers by parsing bytes from a Source on every
// call. Long-lived callers should put a cache in front of it.
type SourceResolver struct {
	Source Source
}

// Resolve implements Resolver.
func (r SourceResolver) Resolve(name string) (*Header, error) {
	data, err := r.Source.Lookup(name)
	if err != nil {
		return nil, err
	}
	return ParseHeader(data)
}

// MultiSource consults each source in order and returns the first hit.
type MultiSource []Source

// Lookup implements Source.
func (m MultiSource) Lookup(name string) ([]byte, error) {
	for _, s := range m {
		data, err := s.Lookup(name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}
