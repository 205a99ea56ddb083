package bufpool

import "testing"

func TestAllocateRejectsOversizedRequests(t *testing.T) {
	p := New(128)
	if buf := p.Allocate(129); buf != nil {
		t.Fatalf("got %d-byte buffer, want nil", len(buf))
	}
}

func TestAllocateReturnsRequestedLength(t *testing.T) {
	p := New(128)
	buf := p.Allocate(64)
	if len(buf) != 64 {
		t.Fatalf("len=%d, want 64", len(buf))
	}
}

func TestUsedBytesTracksOutstandingAllocations(t *testing.T) {
	p := New(128)
	a := p.Allocate(50)
	b := p.Allocate(30)
	if got := p.UsedBytes(); got != 80 {
		t.Fatalf("UsedBytes()=%d, want 80", got)
	}
	p.Free(a)
	if got := p.UsedBytes(); got != 30 {
		t.Fatalf("UsedBytes()=%d, want 30", got)
	}
	p.Free(b)
	if got := p.UsedBytes(); got != 0 {
		t.Fatalf("UsedBytes()=%d, want 0", got)
	}
}

func TestFreeNilIsANoop(t *testing.T) {
	p := New(128)
	p.Free(nil) // must not panic
	if got := p.UsedBytes(); got != 0 {
		t.Fatalf("UsedBytes()=%d, want 0", got)
	}
}

func TestAllocateAfterFreeReturnsRequestedLength(t *testing.T) {
	p := New(128)
	buf := p.Allocate(100)
	p.Free(buf)
	buf2 := p.Allocate(100)
	if len(buf2) != 100 {
		t.Fatalf("len=%d, want 100", len(buf2))
	}
}
