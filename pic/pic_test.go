package pic

import "testing"

func TestMaskAllRestore(t *testing.T) {
	p := New()
	p.Unmask(1)
	if p.Masked(1) {
		t.Fatal("IRQ 1 should be unmasked")
	}
	prev := p.MaskAll()
	if !p.Masked(1) {
		t.Fatal("IRQ 1 should be masked after MaskAll")
	}
	p.Restore(prev)
	if p.Masked(1) {
		t.Fatal("IRQ 1 should be unmasked after Restore")
	}
}

func TestAllocFreeVector(t *testing.T) {
	p := New()
	v1 := p.AllocVector()
	v2 := p.AllocVector()
	if v1 == v2 {
		t.Fatal("AllocVector returned the same vector twice")
	}
	p.FreeVector(v1)
	v3 := p.AllocVector()
	if v3 != v1 {
		t.Fatalf("expected freed vector %d to be reused, got %d", v1, v3)
	}
}

func TestDoubleFreeVectorPanics(t *testing.T) {
	p := New()
	v := p.AllocVector()
	p.FreeVector(v)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	p.FreeVector(v)
}
