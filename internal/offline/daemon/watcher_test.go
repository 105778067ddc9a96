package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestInboxWatcher_StartStop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")

	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("newly created watcher should not be running")
	}

	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Start() should create the inbox: %v", err)
	}
	if err := w.Start(dir); err == nil {
		t.Error("second Start() should fail")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() should be a no-op, got %v", err)
	}
}

func TestInboxWatcher_StopWithoutStart(t *testing.T) {
	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("Events() should be closed after Stop()")
	}
}

func TestInboxWatcher_Events(t *testing.T) {
	dir := t.TempDir()

	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	for _, name := range []string{"notes.txt", ".hidden.json", "draft.json~"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	want := filepath.Join(w.Dir(), "sale.yaml")
	if err := os.WriteFile(want, []byte("url: /x\nmethod: POST\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-w.Events():
		if got != want {
			t.Errorf("first event = %q, want %q", got, want)
		}
	case err := <-w.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbox event")
	}
}

func TestIsInboxEvent(t *testing.T) {
	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/in/a.json", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/in/a.yml", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/in/a.YAML", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/in/a.json", Op: fsnotify.Remove}, false},
		{fsnotify.Event{Name: "/in/a.json", Op: fsnotify.Rename}, false},
		{fsnotify.Event{Name: "/in/a.json", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/in/a.json.rejected", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/in/.a.json", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/in/photo.jpg", Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		if got := isInboxEvent(tt.event); got != tt.want {
			t.Errorf("isInboxEvent(%v) = %v, want %v", tt.event, got, tt.want)
		}
	}
}
