package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("s1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 increments, got %d", counter)
	}
	if k.Len() != 0 {
		t.Errorf("expected released keys to be dropped, %d remain", k.Len())
	}
}

func TestKeyed_IndependentKeys(t *testing.T) {
	k := NewKeyed()
	unlock := k.Lock("a")
	defer unlock()

	done := make(chan struct{})
	go func() {
		k.Lock("b")()
		close(done)
	}()
	<-done

	if k.Len() != 1 {
		t.Errorf("expected only the held key, got %d", k.Len())
	}
}

func TestKeyed_UnlockIsIdempotent(t *testing.T) {
	k := NewKeyed()
	unlock := k.Lock("a")
	unlock()
	unlock()

	// A double release must not unlock someone else's hold.
	held := k.Lock("a")
	acquired := make(chan struct{})
	go func() {
		k.Lock("a")()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	default:
	}
	held()
	<-acquired
}

func TestFileLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("expected lock file to hold our pid, got %q", data)
	}

	_, err = Acquire(path)
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError while held, got %v", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), held.PID)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected lock file removed, stat err = %v", err)
	}

	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()
}
