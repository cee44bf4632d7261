package ids

import (
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("new ulid: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("ulid length=%d: %q", len(id), id)
	}

	// Zero time falls back to now instead of producing the zero ULID.
	zeroed, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("new ulid (zero time): %v", err)
	}
	if zeroed[0] == '0' && zeroed[1] == '0' && zeroed[2] == '0' {
		t.Fatalf("zero-time ulid not derived from now: %q", zeroed)
	}
}

func TestULIDOrdersByTime(t *testing.T) {
	t.Parallel()

	early, err := NewULID(time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("early: %v", err)
	}
	late, err := NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("late: %v", err)
	}
	if !(early < late) {
		t.Fatalf("ulids out of order: %q >= %q", early, late)
	}
}
