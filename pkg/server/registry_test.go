package server

import (
	"errors"
	"testing"
)

func TestRegistry_RememberAndCount(t *testing.T) {
	r := NewRegistry()

	for i := uint64(1); i <= 3; i++ {
		if err := r.Remember(&Conn{id: i}); err != nil {
			t.Fatalf("Remember(%d) error = %v", i, err)
		}
	}

	if got := r.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestRegistry_Remember_Duplicate(t *testing.T) {
	r := NewRegistry()

	if err := r.Remember(&Conn{id: 7}); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}

	err := r.Remember(&Conn{id: 7})
	if !errors.Is(err, ErrDuplicateConn) {
		t.Errorf("Remember(duplicate) error = %v, want ErrDuplicateConn", err)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() after duplicate = %d, want 1", got)
	}
}

func TestRegistry_Forget(t *testing.T) {
	r := NewRegistry()

	if err := r.Remember(&Conn{id: 1}); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}

	if removed := r.Forget(1); !removed {
		t.Error("Forget(present) = false, want true")
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count() after Forget = %d, want 0", got)
	}
}

func TestRegistry_Forget_Absent(t *testing.T) {
	r := NewRegistry()

	// Racing error and stop events forget the same identity twice; the
	// second attempt must be a harmless no-op.
	if removed := r.Forget(42); removed {
		t.Error("Forget(absent) = true, want false")
	}
}

func TestRegistry_All_Snapshot(t *testing.T) {
	r := NewRegistry()
	for i := uint64(1); i <= 3; i++ {
		if err := r.Remember(&Conn{id: i}); err != nil {
			t.Fatalf("Remember(%d) error = %v", i, err)
		}
	}

	snapshot := r.All()
	if len(snapshot) != 3 {
		t.Fatalf("All() returned %d connections, want 3", len(snapshot))
	}

	// Mutating the registry mid-iteration must not disturb the snapshot.
	for _, c := range snapshot {
		r.Forget(c.ID())
	}
	if len(snapshot) != 3 {
		t.Errorf("snapshot length changed to %d after mutation", len(snapshot))
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}
