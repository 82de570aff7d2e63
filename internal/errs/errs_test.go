package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := Errorf(KindProducer, "produce", "missing attachment %q", "img")
	if !errors.Is(err, ErrProducer) {
		t.Fatalf("expected producer kind")
	}
	if errors.Is(err, ErrConsumer) {
		t.Fatalf("unexpected consumer kind")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrProducer) {
		t.Fatalf("kind lost through wrapping")
	}
	if KindOf(wrapped) != KindProducer {
		t.Fatalf("KindOf=%v", KindOf(wrapped))
	}
}

func TestFromIO(t *testing.T) {
	full := &os.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}
	err := FromIO("append", full)
	if !errors.Is(err, ErrTransientIO) {
		t.Fatalf("ENOSPC should be transient: %v", err)
	}
	if !errors.Is(err, syscall.ENOSPC) {
		t.Fatalf("errno lost")
	}

	perm := FromIO("open", fs.ErrPermission)
	if errors.Is(perm, ErrTransientIO) {
		t.Fatalf("permission denied is not transient")
	}
	if IsTransient(perm) {
		t.Fatalf("IsTransient(permission)")
	}

	classified := E(KindCorruption, "recover", errors.New("bad crc"))
	if FromIO("x", classified) != classified {
		t.Fatalf("classified errors must pass through")
	}
	if FromIO("x", nil) != nil {
		t.Fatalf("nil in, nil out")
	}
}

func TestErrorString(t *testing.T) {
	err := E(KindConsumer, "ack", errors.New("beyond end"))
	if got := err.Error(); got != "ack: consumer: beyond end" {
		t.Fatalf("got %q", got)
	}
}
