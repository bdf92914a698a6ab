package rdmaptr

import "testing"

func TestEncodingInvariant(t *testing.T) {
	cases := []struct {
		id   uint16
		addr uint64
	}{
		{0, 0},
		{1, 0xdeadbeef},
		{0xffff, addressBitmask},
	}
	for _, c := range cases {
		p := New[uint64](c.id, c.addr)
		if p.ID() != c.id {
			t.Fatalf("id mismatch: got %d want %d", p.ID(), c.id)
		}
		if p.Address() != c.addr {
			t.Fatalf("address mismatch: got %#x want %#x", p.Address(), c.addr)
		}
	}
}

func TestNullptr(t *testing.T) {
	n := Nullptr[uint64]()
	if !n.IsNull() {
		t.Fatal("expected Nullptr to report IsNull")
	}
	if n.Raw() != 0 {
		t.Fatalf("expected raw 0, got %#x", n.Raw())
	}
}

func TestArithmeticPreservesID(t *testing.T) {
	p := New[uint64](7, 100)
	q := p.Add(3)
	if q.ID() != 7 {
		t.Fatalf("id not preserved: %d", q.ID())
	}
	if q.Address() != 100+3*8 {
		t.Fatalf("unexpected address: %#x", q.Address())
	}
}

type pair struct {
	a, b int32
}

func TestArithmeticScalesByElementSize(t *testing.T) {
	p := New[pair](1, 0)
	q := p.Add(2)
	if q.Address() != 2*8 {
		t.Fatalf("expected stride-scaled address, got %#x", q.Address())
	}
}

func TestIncPostInc(t *testing.T) {
	p := New[uint64](2, 0)
	before := p.PostInc()
	if before.Address() != 0 {
		t.Fatalf("PostInc should return pre-increment value, got %#x", before.Address())
	}
	if p.Address() != 8 {
		t.Fatalf("expected p advanced by one element, got %#x", p.Address())
	}
	after := p.Inc()
	if after.Address() != 16 || p.Address() != 16 {
		t.Fatalf("expected both p and return value at 16, got after=%#x p=%#x", after.Address(), p.Address())
	}
}

func TestRebind(t *testing.T) {
	p := New[uint64](3, 0x1000)
	q := Rebind[pair](p)
	if q.Raw() != p.Raw() {
		t.Fatalf("rebind changed raw value: %#x vs %#x", q.Raw(), p.Raw())
	}
}
