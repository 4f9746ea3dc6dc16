package engine

import "testing"

func TestRequestPoolGetPutRoundTrip(t *testing.T) {
	p := NewRequestPool()
	if p.InUse() != 0 {
		t.Fatalf("expected 0 in use, got %d", p.InUse())
	}

	r, ok := p.Get()
	if !ok {
		t.Fatal("expected a free descriptor")
	}
	if p.InUse() != 1 {
		t.Errorf("expected 1 in use, got %d", p.InUse())
	}

	r.Kind = KindDataWrite
	r.Buffer = []byte{1, 2, 3}
	p.Put(r)

	if p.InUse() != 0 {
		t.Errorf("expected 0 in use after Put, got %d", p.InUse())
	}
	if r.Kind != KindDataRead || r.Buffer != nil {
		t.Error("Put should reset the descriptor before returning it to the free list")
	}
}

func TestRequestPoolExhaustion(t *testing.T) {
	p := NewRequestPool()
	for i := 0; i < p.Cap(); i++ {
		if _, ok := p.Get(); !ok {
			t.Fatalf("expected Get to succeed on iteration %d", i)
		}
	}
	if _, ok := p.Get(); ok {
		t.Error("expected Get to fail once the pool is exhausted")
	}
}
