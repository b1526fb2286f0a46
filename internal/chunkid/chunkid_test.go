package chunkid

import (
	"testing"
	"time"
)

func TestNewRoundTrip(t *testing.T) {
	id := New(Journal)
	s := id.String()
	if len(s) != 26 {
		t.Fatalf("String() length = %d, want 26", len(s))
	}
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: got %v want %v", got, id)
	}
	if got.Type() != Journal {
		t.Fatalf("Type() = %v, want Journal", got.Type())
	}
}

func TestTypeExtractableWithoutLookup(t *testing.T) {
	for _, typ := range []ObjectType{Blob, Erasure, Journal, Artifact} {
		id := New(typ)
		if id.Type() != typ {
			t.Fatalf("Type() = %v, want %v", id.Type(), typ)
		}
	}
}

func TestTimeMonotonic(t *testing.T) {
	a := New(Blob)
	time.Sleep(2 * time.Millisecond)
	b := New(Blob)
	if !b.Time().After(a.Time()) && b.Time() != a.Time() {
		t.Fatalf("b.Time() %v should not be before a.Time() %v", b.Time(), a.Time())
	}
	if a.String() > b.String() {
		t.Fatalf("lexicographic order broken: %s > %s", a.String(), b.String())
	}
}

func TestParseInvalidLength(t *testing.T) {
	if _, err := Parse("short"); err == nil {
		t.Fatal("expected error for short string")
	}
}

func TestShardPrefixLength(t *testing.T) {
	id := New(Blob)
	if len(id.ShardPrefix()) != 2 {
		t.Fatalf("ShardPrefix() = %q, want length 2", id.ShardPrefix())
	}
}
