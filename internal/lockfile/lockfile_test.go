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
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	info := readInfo(lock.Path())
	if info.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), info.PID)
	}
	if time.Since(info.Started) > time.Minute {
		t.Errorf("unexpected start time %v", info.Started)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir)
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockError, got %v", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), lockErr.Holder.PID)
	}
	if !strings.Contains(err.Error(), "running") {
		t.Errorf("expected holder state in message: %v", err)
	}

	// The failed attempt must not clobber the holder's info.
	if readInfo(first.Path()).PID != os.Getpid() {
		t.Error("holder info was overwritten")
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("expected lock file removed")
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}

func TestReadInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	if err := os.WriteFile(path, []byte("pid=42\nstarted=2024-01-02T03:04:05Z\ngarbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	info := readInfo(path)
	if info.PID != 42 || info.Started.Year() != 2024 {
		t.Errorf("unexpected info %+v", info)
	}
	if got := readInfo(filepath.Join(t.TempDir(), "missing")); got.PID != 0 {
		t.Errorf("expected zero info for missing file, got %+v", got)
	}
	if (Info{}).String() != "unknown holder" {
		t.Error("expected unknown holder for zero info")
	}
}
