package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolderInfo(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, ":8080")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("lock path = %s", lock.Path())
	}
	data, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatal(err)
	}
	info := parseInfo(string(data))
	if info.PID != os.Getpid() || info.Addr != ":8080" || info.Started.IsZero() {
		t.Errorf("unexpected lock info: %+v", info)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, ":8080")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	second, err := Acquire(dir, ":9090")
	if err == nil {
		second.Release()
		t.Fatal("second Acquire should fail while the first lock is held")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	msg := err.Error()
	for _, want := range []string{"another GiftExplain server", dir, "(running)", ":8080"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should mention %q", msg, want)
		}
	}

	// the refused attempt must not clobber the holder's info
	data, _ := os.ReadFile(first.Path())
	if info := parseInfo(string(data)); info.Addr != ":8080" {
		t.Errorf("holder info overwritten: %+v", info)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}

	again, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil lock Release = %v", err)
	}
}

func TestAcquireCreatesNestedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseInfo(t *testing.T) {
	started := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Info
	}{
		{"full", Info{PID: 42, Addr: ":8080", Started: started}.encode(), Info{PID: 42, Addr: ":8080", Started: started}},
		{"pid only", "pid=7\n", Info{PID: 7}},
		{"legacy noise", "garbage\npid=abc\n", Info{}},
		{"empty", "", Info{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseInfo(tt.content)
			if got.PID != tt.want.PID || got.Addr != tt.want.Addr || !got.Started.Equal(tt.want.Started) {
				t.Errorf("parseInfo(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
	if isProcessRunning(999999) {
		t.Skip("PID 999999 unexpectedly exists")
	}
}
