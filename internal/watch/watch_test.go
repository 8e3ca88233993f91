package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func waitEvent(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no watch event within 5s")
		return ""
	}
}

func TestWatcherReportsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	writeFile(t, path, "s")

	events := make(chan string, 1)
	w, err := New(path, nil, func(event string) { events <- event })
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ev := waitEvent(t, events); ev != "removed" {
		t.Fatalf("expected removed, got %q", ev)
	}
}

func TestWatcherReportsRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	writeFile(t, path, "before")

	events := make(chan string, 1)
	w, err := New(path, nil, func(event string) { events <- event })
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	writeFile(t, path, "after")
	if ev := waitEvent(t, events); ev != "modified" {
		t.Fatalf("expected modified, got %q", ev)
	}
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	writeFile(t, path, "s")

	events := make(chan string, 1)
	w, err := New(path, nil, func(event string) { events <- event })
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	writeFile(t, filepath.Join(dir, "other.txt"), "noise")
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %q for sibling file", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	writeFile(t, path, "s")

	w, err := New(path, nil, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
