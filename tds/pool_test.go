package tds

import "testing"

func TestAllocatorGetPutReuse(t *testing.T) {
	a := newAllocator(128)

	buf := a.Get(64)
	if len(buf) != 64 {
		t.Fatalf("len(buf) = %d, want 64", len(buf))
	}
	a.Put(buf)

	buf2 := a.Get(128)
	if cap(buf2) != 128 {
		t.Fatalf("cap(buf2) = %d, want 128", cap(buf2))
	}
}

func TestAllocatorOversizedBypassesPool(t *testing.T) {
	a := newAllocator(64)
	buf := a.Get(256)
	if len(buf) != 256 {
		t.Fatalf("len(buf) = %d, want 256", len(buf))
	}
	// Should not panic or corrupt the pool when returned.
	a.Put(buf)
}

func TestAllocatorDefaultSize(t *testing.T) {
	a := newAllocator(0)
	if a.size != defaultBufferSize {
		t.Errorf("size = %d, want %d", a.size, defaultBufferSize)
	}
}
