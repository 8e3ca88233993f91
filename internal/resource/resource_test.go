package resource

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileMissing(t *testing.T) {
	if _, err := NewFile(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNewFileRejectsDirectory(t *testing.T) {
	if _, err := NewFile(t.TempDir()); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestNewFileResolvesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	if err := os.WriteFile(target, []byte("secret: 42\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	f, err := NewFile(link)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	if f.Name() != "real.txt" {
		t.Fatalf("expected canonical name real.txt, got %q", f.Name())
	}
}

func TestFileServe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_file.txt")
	if err := os.WriteFile(path, []byte("secret: 42\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	if f.Size() != int64(len("secret: 42\n")) {
		t.Fatalf("unexpected size %d", f.Size())
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x/test_file.txt", nil)
	if err := f.Serve(rec, req); err != nil {
		t.Fatalf("serve: %v", err)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "secret: 42\n" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestFileServeAfterRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x/gone.txt", nil)
	if err := f.Serve(rec, req); err == nil {
		t.Fatal("expected serve error once the file is gone")
	}
}

func TestReadBuffer(t *testing.T) {
	b, err := ReadBuffer("secret.txt", strings.NewReader("hunter2"), 64)
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	if b.Name() != "secret.txt" || b.Size() != 7 {
		t.Fatalf("unexpected buffer: name=%q size=%d", b.Name(), b.Size())
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x/secret.txt", nil)
	if err := b.Serve(rec, req); err != nil {
		t.Fatalf("serve: %v", err)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "hunter2" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestReadBufferLimits(t *testing.T) {
	if _, err := ReadBuffer("s", strings.NewReader("too large"), 4); err == nil {
		t.Fatal("expected over-limit error")
	}
	if _, err := ReadBuffer("s", strings.NewReader(""), 4); err == nil {
		t.Fatal("expected empty-input error")
	}
}
