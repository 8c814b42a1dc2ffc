// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pool_test

import (
	"math/rand/v2"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/rtps/pool"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

func checkStats(t *testing.T, p *pool.Pool) pool.Stats {
	t.Helper()
	s := p.Stats()
	if s.Free+s.InUse != s.Allocated {
		t.Errorf("Stats %v: free + in-use != allocated", s)
	}
	if s.Ceiling > 0 && s.Allocated > s.Ceiling {
		t.Errorf("Stats %v: allocated exceeds ceiling", s)
	}
	return s
}

func TestReallocReuse(t *testing.T) {
	p := pool.New(pool.Config{Policy: pool.PreallocatedWithRealloc, PayloadSize: 16})

	h1, ok := p.Get(100)
	if !ok {
		t.Fatal("Get(100) failed")
	}
	b1 := p.Bytes(h1)
	if len(b1) != 100 {
		t.Errorf("Get(100): len = %d, want 100", len(b1))
	}
	first := &b1[0]
	if !p.Release(h1) {
		t.Fatal("Release failed")
	}

	h2, ok := p.Get(50)
	if !ok {
		t.Fatal("Get(50) failed")
	}
	if got := &p.Bytes(h2)[0]; got != first {
		t.Error("Get(50) did not reuse the released buffer")
	}
	if c := p.Cap(h2); c < 100 {
		t.Errorf("Cap = %d, want ≥ 100", c)
	}
	if h2 == h1 {
		t.Errorf("Reused handle %v should carry a new generation", h2)
	}
	if p.Release(h1) {
		t.Errorf("Release of stale handle %v succeeded", h1)
	}
	p.Release(h2)
	checkStats(t, p)
}

func TestGrowZeroFills(t *testing.T) {
	for _, pol := range []pool.Policy{pool.PreallocatedWithRealloc, pool.DynamicReusable} {
		t.Run(pol.String(), func(t *testing.T) {
			p := pool.New(pool.Config{Policy: pol, PayloadSize: 4})
			h, _ := p.Get(4)
			copy(p.Bytes(h), "abcd")
			p.Release(h)

			h, _ = p.Get(8)
			if diff := cmp.Diff([]byte("abcd\x00\x00\x00\x00"), p.Bytes(h)); diff != "" {
				t.Errorf("Grown buffer (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestFixedOversize(t *testing.T) {
	p := pool.New(pool.Config{Policy: pool.Preallocated, PayloadSize: 32})
	if _, ok := p.Get(32); !ok {
		t.Error("Get(32) failed")
	}
	mtest.MustPanic(t, func() { p.Get(33) })
}

func TestDynamicReserve(t *testing.T) {
	p := pool.New(pool.Config{Policy: pool.DynamicReserve})
	h, _ := p.Get(7)
	if n := len(p.Bytes(h)); n != 7 || p.Cap(h) != 7 {
		t.Errorf("Get(7): len %d cap %d, want exactly 7", n, p.Cap(h))
	}
	p.Release(h)
	if s := checkStats(t, p); s.Allocated != 0 || s.Free != 0 {
		t.Errorf("After release: %v, want nothing allocated", s)
	}
}

func TestUnknownRelease(t *testing.T) {
	p := pool.New(pool.Config{Policy: pool.DynamicReusable})
	q := pool.New(pool.Config{Policy: pool.DynamicReusable})

	if p.Release(pool.NoHandle) {
		t.Error("Release(NoHandle) succeeded")
	}
	h, _ := q.Get(10)
	if p.Release(h + 1000) {
		t.Error("Release of a foreign handle succeeded")
	}
	if !q.Release(h) {
		t.Error("Release of an owned handle failed")
	}
	if q.Release(h) {
		t.Error("Double release succeeded")
	}
}

func TestReservations(t *testing.T) {
	p := pool.New(pool.Config{Policy: pool.Preallocated, PayloadSize: 8})

	p.Reserve(pool.Reservation{Initial: 2, Max: 3}, false)
	p.Reserve(pool.Reservation{Initial: 1, Max: 2}, false)
	p.Reserve(pool.Reservation{Initial: 1, Max: 4}, true)
	p.Reserve(pool.Reservation{Initial: 2, Max: 1}, true)

	// Writers add, readers contribute the largest of their reservations.
	s := checkStats(t, p)
	if diff := cmp.Diff(pool.Stats{Allocated: 5, Free: 5, Ceiling: 9}, s); diff != "" {
		t.Errorf("Stats (-want, +got):\n%s", diff)
	}

	var hs []pool.Handle
	for range 9 {
		h, ok := p.Get(8)
		if !ok {
			t.Fatalf("Get %d failed before the ceiling", len(hs)+1)
		}
		hs = append(hs, h)
	}
	if h, ok := p.Get(1); ok {
		t.Errorf("Get beyond ceiling: got %v, want failure", h)
	}

	// An unbounded reservation lifts the ceiling.
	p.Reserve(pool.Reservation{Initial: 0, Max: 0}, true)
	h, ok := p.Get(1)
	if !ok {
		t.Fatal("Get with unbounded reservation failed")
	}
	hs = append(hs, h)
	p.Unreserve(pool.Reservation{Initial: 0, Max: 0}, true)

	for _, h := range hs {
		if !p.Release(h) {
			t.Errorf("Release %v failed", h)
		}
	}
	s = checkStats(t, p)
	if s.Allocated > s.Ceiling {
		t.Errorf("After release: %v", s)
	}

	p.Unreserve(pool.Reservation{Initial: 2, Max: 3}, false)
	p.Unreserve(pool.Reservation{Initial: 1, Max: 2}, false)
	p.Unreserve(pool.Reservation{Initial: 1, Max: 4}, true)
	p.Unreserve(pool.Reservation{Initial: 2, Max: 1}, true)
	if s := checkStats(t, p); s.Allocated != 0 {
		t.Errorf("After unreserve: %v, want nothing allocated", s)
	}
}

func TestCopyOut(t *testing.T) {
	src := pool.New(pool.Config{Policy: pool.DynamicReusable})
	dst := pool.New(pool.Config{Policy: pool.DynamicReserve})

	h, _ := src.Get(5)
	copy(src.Bytes(h), "hello")
	nh, ok := dst.CopyOut(h, dst)
	if ok {
		t.Errorf("CopyOut with a foreign handle: got %v, want failure", nh)
	}

	nh, ok = src.CopyOut(h, dst)
	if !ok {
		t.Fatal("CopyOut failed")
	}
	if got := string(dst.Bytes(nh)); got != "hello" {
		t.Errorf("Copied payload: got %q, want hello", got)
	}
	if src.Bytes(h) != nil {
		t.Error("Source handle is still live after CopyOut")
	}
	if s := src.Stats(); s.InUse != 0 {
		t.Errorf("Source stats: %v, want nothing in use", s)
	}
}

func TestConcurrentAccounting(t *testing.T) {
	for _, pol := range []pool.Policy{
		pool.Preallocated, pool.PreallocatedWithRealloc, pool.DynamicReserve, pool.DynamicReusable,
	} {
		t.Run(pol.String(), func(t *testing.T) {
			p := pool.New(pool.Config{Policy: pol, PayloadSize: 256})
			p.Reserve(pool.Reservation{Initial: 4, Max: 32}, false)

			g := taskgroup.New(nil)
			for range 8 {
				g.Go(func() error {
					var held []pool.Handle
					for range 500 {
						if len(held) > 0 && rand.IntN(2) == 0 {
							i := rand.IntN(len(held))
							if !p.Release(held[i]) {
								t.Errorf("Release %v failed", held[i])
							}
							held = append(held[:i], held[i+1:]...)
						} else if h, ok := p.Get(1 + rand.IntN(256)); ok {
							held = append(held, h)
						}
						s := p.Stats()
						if s.Free+s.InUse != s.Allocated {
							t.Errorf("Inconsistent stats: %v", s)
						}
					}
					for _, h := range held {
						p.Release(h)
					}
					return nil
				})
			}
			g.Wait()
			if s := checkStats(t, p); s.InUse != 0 {
				t.Errorf("Final stats %v, want nothing in use", s)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for _, pol := range []pool.Policy{
		pool.Preallocated, pool.PreallocatedWithRealloc, pool.DynamicReserve, pool.DynamicReusable,
	} {
		got, err := pool.ParsePolicy(pol.String())
		if err != nil || got != pol {
			t.Errorf("ParsePolicy(%q): got %v, %v; want %v", pol, got, err, pol)
		}
	}
	if got, err := pool.ParsePolicy("dynamic_reusable"); err != nil || got != pool.DynamicReusable {
		t.Errorf("ParsePolicy lower case: got %v, %v", got, err)
	}
	if _, err := pool.ParsePolicy("bogus"); err == nil {
		t.Error("ParsePolicy(bogus): got nil error")
	}
}
