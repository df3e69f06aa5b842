package store

import (
	"testing"
)

// kvContract exercises the KV contract shared by both implementations.
func kvContract(t *testing.T, kv KV) {
	t.Helper()

	if _, err := kv.Get("missing"); err != ErrNotFound {
		t.Fatalf("Get missing: got %v; want ErrNotFound", err)
	}
	if err := kv.Set("queue:c1:00000001", []byte("a1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set("queue:c1:00000003", []byte("a3")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set("queue:c1:00000002", []byte("a2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set("queue:c2:00000001", []byte("b1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, err := kv.Get("queue:c1:00000002")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "a2" {
		t.Fatalf("Get = %q; want a2", v)
	}

	// Scan must be prefix-bounded and key-ordered.
	pairs, err := kv.Scan("queue:c1:")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("Scan returned %d pairs; want 3", len(pairs))
	}
	for i, want := range []string{"a1", "a2", "a3"} {
		if string(pairs[i].Value) != want {
			t.Fatalf("pair %d = %q; want %q", i, pairs[i].Value, want)
		}
	}

	if err := kv.Delete("queue:c1:00000001"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get("queue:c1:00000001"); err != ErrNotFound {
		t.Fatalf("Get after delete: got %v; want ErrNotFound", err)
	}
}

func TestMemoryKV(t *testing.T) {
	kvContract(t, NewMemory())
}

func TestPebbleKV(t *testing.T) {
	p, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()
	kvContract(t, p)
}

// TestPebbleSurvivesReopen writes, closes and reopens the database to check
// durability of the key space the queue relies on.
func TestPebbleSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Set("queue:c1:00000001", []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	v, err := p2.Get("queue:c1:00000001")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(v) != "hello" {
		t.Fatalf("value after reopen = %q; want hello", v)
	}
}
