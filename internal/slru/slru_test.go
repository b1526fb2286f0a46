package slru

import "testing"

type weighted int64

func (w weighted) Weight() int64 { return int64(w) }

func TestPutGetRoundTrip(t *testing.T) {
	c := New[string, weighted](1000, nil)
	c.Put("a", weighted(10))
	v, ok := c.Get("a")
	if !ok || v != 10 {
		t.Fatalf("Get(a) = %v, %v, want 10, true", v, ok)
	}
}

func TestEvictionUnderCapacity(t *testing.T) {
	var evicted []string
	c := New[string, weighted](100, func(key string, value weighted) {
		evicted = append(evicted, key)
	})
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		c.Put(k, weighted(30))
	}
	if c.Used() > 100 {
		t.Fatalf("Used() = %d, want <= 100", c.Used())
	}
	if len(evicted) == 0 {
		t.Fatal("expected at least one eviction once capacity was exceeded")
	}
}

func TestGetPromotesToProtected(t *testing.T) {
	c := New[string, weighted](1000, nil)
	c.Put("a", weighted(10))
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit")
	}
	// Second Get should be served from the protected segment.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit after promotion")
	}
}

func TestRemove(t *testing.T) {
	c := New[string, weighted](1000, nil)
	c.Put("a", weighted(10))
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after Remove")
	}
	if c.Used() != 0 {
		t.Fatalf("Used() = %d, want 0", c.Used())
	}
}
