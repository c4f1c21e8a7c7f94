package types

import (
	"sort"
	"testing"
	"time"
)

func TestULIDGenerator_IdsAreDistinct(t *testing.T) {
	gen := NewULIDGenerator()

	first, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}
	second, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}

	if first == second {
		t.Error("expected distinct ids from consecutive calls")
	}
	if first.Compare(second) > 0 {
		t.Errorf("expected %s to sort before %s", first.String(), second.String())
	}
}

func TestULIDGenerator_LaterSessionSortsAfter(t *testing.T) {
	gen := NewULIDGenerator()

	earlier := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Second)

	earlyID, err := gen.GenerateWithTime(earlier)
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}
	lateID, err := gen.GenerateWithTime(later)
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}

	if earlyID.Compare(lateID) >= 0 {
		t.Errorf("session started at %v must sort before one started at %v: %s >= %s",
			earlier, later, earlyID.String(), lateID.String())
	}
}

func TestULIDGenerator_BurstWithinMillisecond(t *testing.T) {
	gen := NewULIDGenerator()
	ts := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// A batch of turns can land inside one millisecond; their ids must still
	// reflect insertion order.
	ids := make([]ULID, 100)
	for i := range ids {
		id, err := gen.GenerateWithTime(ts)
		if err != nil {
			t.Fatalf("failed to generate id: %v", err)
		}
		ids[i] = id
	}

	for i := 1; i < len(ids); i++ {
		if ids[i-1].Compare(ids[i]) >= 0 {
			t.Errorf("id %d must sort before id %d: %s >= %s",
				i-1, i, ids[i-1].String(), ids[i].String())
		}
	}
}

func TestULID_TimestampRecoversCreationTime(t *testing.T) {
	gen := NewULIDGenerator()
	started := time.Date(2026, 8, 5, 10, 30, 0, 0, time.UTC)

	id, err := gen.GenerateWithTime(started)
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}

	if got := id.Timestamp(); got != uint64(started.UnixMilli()) {
		t.Errorf("expected timestamp %d, got %d", started.UnixMilli(), got)
	}
	if !id.Time().Equal(started) {
		t.Errorf("expected time %v, got %v", started, id.Time())
	}
}

func TestULID_StringRoundTrip(t *testing.T) {
	gen := NewULIDGenerator()

	id, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}

	str := id.String()
	if len(str) != 26 {
		t.Errorf("expected a 26-character id, got %d characters", len(str))
	}

	parsed, err := ParseULID(str)
	if err != nil {
		t.Fatalf("failed to parse id %q: %v", str, err)
	}
	if parsed != id {
		t.Errorf("round trip changed the id: %s != %s", parsed.String(), id.String())
	}
}

func TestULID_StringOrderMatchesCompare(t *testing.T) {
	gen := NewULIDGenerator()

	// Rows are listed by string id in SQLite, so the rendered form must sort
	// the same way the binary form does.
	ids := make([]ULID, 50)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := range ids {
		id, err := gen.GenerateWithTime(base.Add(time.Duration(i) * 7 * time.Millisecond))
		if err != nil {
			t.Fatalf("failed to generate id: %v", err)
		}
		ids[i] = id
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	if !sort.StringsAreSorted(strs) {
		t.Error("string ids must sort in generation order")
	}
}

func TestParseULID_RejectsBadLength(t *testing.T) {
	if _, err := ParseULID("short"); err != ErrInvalidULIDLength {
		t.Errorf("expected ErrInvalidULIDLength, got %v", err)
	}
}

func TestParseULID_RejectsExcludedLetters(t *testing.T) {
	// I, L, O, U are outside the alphabet.
	if _, err := ParseULID("01234567890123456789012I45"); err != ErrInvalidULIDCharacter {
		t.Errorf("expected ErrInvalidULIDCharacter, got %v", err)
	}
}

func TestParseULID_AcceptsLowercase(t *testing.T) {
	gen := NewULIDGenerator()

	id, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate id: %v", err)
	}

	lowered := make([]byte, 0, 26)
	for _, c := range []byte(id.String()) {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lowered = append(lowered, c)
	}

	parsed, err := ParseULID(string(lowered))
	if err != nil {
		t.Fatalf("failed to parse lowercased id: %v", err)
	}
	if parsed != id {
		t.Errorf("lowercase parse changed the id: %s != %s", parsed.String(), id.String())
	}
}
