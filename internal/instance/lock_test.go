package instance

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAcquireExclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "paper", "default")
	lock, err := Acquire(dir, Options{Owner: Owner{InstanceID: "default", Mode: "paper"}})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "instance_id=default") || !strings.Contains(string(data), "pid="+strconv.Itoa(os.Getpid())) {
		t.Fatalf("lock payload = %q, want owner info", data)
	}

	_, err = Acquire(dir, Options{})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrLocked", err)
	}
}

func TestAcquireTakeoverDeadPIDLogs(t *testing.T) {
	dir := t.TempDir()
	stale := "pid=999999\ninstance_id=old\nstarted_at=" + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(filepath.Join(dir, lockName), []byte(stale), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	obs, logs := observer.New(zap.InfoLevel)

	lock, err := Acquire(dir, Options{Takeover: true, StaleAfter: 10 * time.Minute, Logger: zap.New(obs)})
	if err != nil {
		t.Fatalf("Acquire() error = %v, want takeover", err)
	}
	defer lock.Release()

	entries := logs.FilterMessage("instance_lock_takeover").All()
	if len(entries) != 1 {
		t.Fatalf("takeover logs = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["previous_instance_id"]; got != "old" {
		t.Fatalf("previous_instance_id = %v, want old", got)
	}
}

func TestAcquireKeepsRunningOwner(t *testing.T) {
	dir := t.TempDir()
	active := "pid=" + strconv.Itoa(os.Getpid()) + "\nstarted_at=" + time.Now().UTC().Add(-time.Hour).Format(time.RFC3339) + "\n"
	if err := os.WriteFile(filepath.Join(dir, lockName), []byte(active), 0o644); err != nil {
		t.Fatalf("write active lock: %v", err)
	}

	_, err := Acquire(dir, Options{Takeover: true, StaleAfter: time.Second})
	if !errors.Is(err, ErrLocked) || !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("Acquire() error = %v, want owner_process_running", err)
	}
}

func TestAcquireTakeoverByAgeWithoutPID(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	if err := os.WriteFile(filepath.Join(dir, lockName), []byte("started_at="+started.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	young := Options{Takeover: true, StaleAfter: time.Hour, Now: func() time.Time { return started.Add(time.Minute) }}
	if _, err := Acquire(dir, young); err == nil || !strings.Contains(err.Error(), "lock_not_stale") {
		t.Fatalf("Acquire(young lock) error = %v, want lock_not_stale", err)
	}

	old := Options{Takeover: true, StaleAfter: time.Minute, Now: func() time.Time { return started.Add(2 * time.Minute) }}
	lock, err := Acquire(dir, old)
	if err != nil {
		t.Fatalf("Acquire(old lock) error = %v, want nil", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file still present after Release: %v", err)
	}
}
