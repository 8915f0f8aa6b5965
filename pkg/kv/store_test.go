package kv

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("a", []byte("1"), 0)
	if v, ok := s.Get("a"); !ok || string(v) != "1" {
		t.Fatalf("get: %q %v", v, ok)
	}
	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Fatalf("deleted key still present")
	}
}

func TestValuesAreCopied(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	in := []byte("abc")
	s.Set("k", in, 0)
	in[0] = 'x'
	v, _ := s.Get("k")
	if string(v) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", v)
	}
	v[0] = 'y'
	v2, _ := s.Get("k")
	if string(v2) != "abc" {
		t.Fatalf("returned value aliased store buffer: %q", v2)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	s.Set("k", []byte("v"), time.Second)

	if _, ok := s.Get("k"); !ok {
		t.Fatalf("entry expired too early")
	}
	now = now.Add(2 * time.Second)
	if _, ok := s.Get("k"); ok {
		t.Fatalf("entry did not expire")
	}
}

func TestKeysPrefix(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("peer:alice", []byte("1"), 0)
	s.Set("peer:bob", []byte("1"), 0)
	s.Set("route:x", []byte("1"), 0)

	keys := s.Keys("peer:")
	if len(keys) != 2 {
		t.Fatalf("got %v", keys)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New(Options{Shards: 8})
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := fmt.Sprintf("k%d-%d", n, j)
				s.Set(k, []byte{byte(j)}, 0)
				if _, ok := s.Get(k); !ok {
					t.Errorf("lost %s", k)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	if st := s.Stats(); st.Sets != 1600 {
		t.Fatalf("sets = %d", st.Sets)
	}
}
