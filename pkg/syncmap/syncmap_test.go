package syncmap

import (
	"sync"
	"testing"
)

func TestGetSet(t *testing.T) {
	m := New[string, int]()
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected miss on empty map")
	}
	m.Set("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("got %v, %v, want 1, true", v, ok)
	}
}

func TestDelete(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected key to be gone after Delete")
	}
}

func TestGetOrSet(t *testing.T) {
	m := New[string, int]()
	v, loaded := m.GetOrSet("a", 1)
	if loaded || v != 1 {
		t.Fatalf("first GetOrSet should store and return 1, got %v, %v", v, loaded)
	}
	v, loaded = m.GetOrSet("a", 2)
	if !loaded || v != 1 {
		t.Fatalf("second GetOrSet should return existing 1, got %v, %v", v, loaded)
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i, i*2)
			m.Get(i)
		}(i)
	}
	wg.Wait()
	if m.Len() != 100 {
		t.Fatalf("got %d entries, want 100", m.Len())
	}
}

func TestRangeStopsEarly(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 10; i++ {
		m.Set(i, i)
	}
	seen := 0
	m.Range(func(k, v int) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Fatalf("got %d visits, want 3", seen)
	}
}
