package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "owner-a")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path = %s", lock.Path())
	}
	info, err := ReadInfo(dir)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	if info.PID != os.Getpid() || info.OwnerID != "owner-a" {
		t.Errorf("info = %+v", info)
	}
	if time.Since(info.StartedAt) > time.Minute {
		t.Errorf("started = %v", info.StartedAt)
	}
}

func TestLockCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir, "owner-a")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireLock(dir, "owner-a")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir, "owner-b")
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.OwnerID != "owner-a" || lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder = %+v", lockErr.Holder)
	}
	msg := err.Error()
	for _, want := range []string{"another GroupPulse instance", dir, "owner owner-a", "(running)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message missing %q: %s", want, msg)
		}
	}

	// The failed attempt must not clobber the holder's info.
	info, err := ReadInfo(dir)
	if err != nil || info.OwnerID != "owner-a" {
		t.Errorf("info after conflict = %+v, %v", info, err)
	}
}

func TestLockRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "owner-a")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lock.Path())
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	lock2, err := AcquireLock(dir, "owner-b")
	if err != nil {
		t.Fatalf("Should reacquire after release: %v", err)
	}
	lock2.Release()
}

func TestReadInfo(t *testing.T) {
	dir := t.TempDir()
	content := "pid=999999\nowner=owner-z\nstarted=2026-03-04T10:00:00Z\ngarbage\n"
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := ReadInfo(dir)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	want := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	if info.PID != 999999 || info.OwnerID != "owner-z" || !info.StartedAt.Equal(want) {
		t.Errorf("info = %+v", info)
	}

	if _, err := ReadInfo(t.TempDir()); !os.IsNotExist(err) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestStaleLockIsReacquired(t *testing.T) {
	dir := t.TempDir()
	// A lock file left by a dead process carries no flock.
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("pid=999999\nowner=gone\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err := AcquireLock(dir, "owner-a")
	if err != nil {
		t.Fatalf("AcquireLock over stale file: %v", err)
	}
	defer lock.Release()
	info, _ := ReadInfo(dir)
	if info.OwnerID != "owner-a" {
		t.Errorf("owner = %q, want owner-a", info.OwnerID)
	}
}
