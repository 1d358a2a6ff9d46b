package instrument

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Sink receives the before and after bytes of every rewritten container.
type Sink interface {
	Dump(name string, original, rewritten []byte) error
}

// NopSink discards everything.
type NopSink struct{}

// Dump implements Sink.
func (NopSink) Dump(string, []byte, []byte) error { return nil }

// encoder is reusable and safe for concurrent EncodeAll calls.
var zstdEncoder, _ = zstd.NewWriter(nil)

// DirSink writes the rewritten bytes of a unit to <Dir>/<escaped name>.unit
// and the original to <Dir>/orig/<escaped name>.unit, zstd-compressed with a
// .zst suffix when Compress is set. Names are path-escaped, so every unit
// gets its own flat file name.
type DirSink struct {
	Dir      string
	Compress bool
}

// Dump implements Sink.
func (s DirSink) Dump(name string, original, rewritten []byte) error {
	if err := os.MkdirAll(filepath.Join(s.Dir, "orig"), 0o755); err != nil {
		return fmt.Errorf("instrument: dump dir: %w", err)
	}
	if err := s.write(s.OrigPath(name), original); err != nil {
		return err
	}
	return s.write(s.Path(name), rewritten)
}

// Path returns the file Dump writes the rewritten bytes of name to.
func (s DirSink) Path(name string) string {
	return s.file(s.Dir, name)
}

// OrigPath returns the file Dump writes the original bytes of name to.
func (s DirSink) OrigPath(name string) string {
	return s.file(filepath.Join(s.Dir, "orig"), name)
}

func (s DirSink) file(dir, name string) string {
	p := filepath.Join(dir, url.PathEscape(name)+".unit")
	if s.Compress {
		p += ".zst"
	}
	return p
}

func (s DirSink) write(path string, data []byte) error {
	if s.Compress {
		data = zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("instrument: dump %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadDump reads a file written by DirSink, decompressing .zst files.
func ReadDump(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".zst" {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
