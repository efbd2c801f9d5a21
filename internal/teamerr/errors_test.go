package teamerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(Conflict, "taskstore.dep_add", "cycle through %q", "3")
	if KindOf(err) != Conflict {
		t.Fatalf("kind = %q", KindOf(err))
	}
	if !IsKind(err, Conflict) || IsKind(err, NotFound) {
		t.Fatal("IsKind mismatch")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no kind")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IoFault, "mailbox.store", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause lost")
	}
	// Wrapping again still exposes the kind.
	outer := fmt.Errorf("while delivering: %w", err)
	if KindOf(outer) != IoFault {
		t.Fatalf("kind through wrapping = %q", KindOf(outer))
	}
}

func TestErrorString(t *testing.T) {
	if got := New(NotFound, "taskstore.get", "no task %q", "9").Error(); got != `taskstore.get: no task "9"` {
		t.Fatalf("message: %q", got)
	}
	if got := Wrap(IoFault, "claim.write", errors.New("boom")).Error(); got != "claim.write: boom" {
		t.Fatalf("wrapped message: %q", got)
	}
}
