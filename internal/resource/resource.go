// Package resource implements the responders that deliver the shared secret:
// a file on disk, or a buffer captured from a pipe. Matching a request to the
// secret path is the gate's job; a responder only streams bytes.
package resource

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Responder serves the one shared resource.
type Responder interface {
	// Name is the filename segment advertised in the share URL.
	Name() string
	// Size is the resource size in bytes.
	Size() int64
	// Serve writes the resource to the response. A returned error means the
	// requester did not receive the full resource.
	Serve(w http.ResponseWriter, r *http.Request) error
}

// File serves a regular file from disk. The file is opened per request so a
// delivery never holds a descriptor across the session's whole life.
type File struct {
	path    string
	name    string
	size    int64
	modTime time.Time
}

// NewFile validates and canonicalizes path and returns a file responder.
// A missing, unreadable, or non-regular file is a fatal configuration error.
func NewFile(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resource: resolve %q: %w", path, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resource: secret file %q: %w", path, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("resource: secret file %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("resource: secret file %q is not a regular file", path)
	}
	f, err := os.Open(canonical)
	if err != nil {
		return nil, fmt.Errorf("resource: secret file %q: %w", path, err)
	}
	f.Close()
	return &File{
		path:    canonical,
		name:    filepath.Base(canonical),
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

// Path returns the canonical path of the shared file.
func (f *File) Path() string { return f.path }

func (f *File) Name() string { return f.name }

func (f *File) Size() int64 { return f.size }

func (f *File) Serve(w http.ResponseWriter, r *http.Request) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("resource: open %q: %w", f.path, err)
	}
	defer fh.Close()
	http.ServeContent(w, r, f.name, f.modTime, fh)
	return nil
}

// Buffer serves bytes held in memory, typically a secret piped on stdin.
type Buffer struct {
	name     string
	data     []byte
	captured time.Time
}

// NewBuffer wraps already-captured bytes in a responder.
func NewBuffer(name string, data []byte) *Buffer {
	return &Buffer{name: name, data: data, captured: time.Now()}
}

// ReadBuffer drains r up to maxBytes and returns a buffer responder. Input
// exceeding maxBytes is rejected rather than truncated.
func ReadBuffer(name string, r io.Reader, maxBytes int64) (*Buffer, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("resource: read piped input: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("resource: piped input exceeds %d bytes", maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("resource: piped input is empty")
	}
	return NewBuffer(name, data), nil
}

func (b *Buffer) Name() string { return b.name }

func (b *Buffer) Size() int64 { return int64(len(b.data)) }

func (b *Buffer) Serve(w http.ResponseWriter, r *http.Request) error {
	http.ServeContent(w, r, b.name, b.captured, bytes.NewReader(b.data))
	return nil
}
