package session

import (
	"bytes"
	"testing"
)

func TestRing_OrderedWithinCapacity(t *testing.T) {
	r := NewRing(16)
	r.Write([]byte{1, 2, 3})
	r.Write([]byte{4, 5})
	if got := r.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("Bytes() = %v", got)
	}
	if r.Len() != 5 || r.Cap() != 16 {
		t.Errorf("Len/Cap = %d/%d, want 5/16", r.Len(), r.Cap())
	}
}

func TestRing_EvictsOldestOnOverflow(t *testing.T) {
	r := NewRing(8)
	r.Write([]byte{0, 1, 2, 3, 4, 5})
	r.Write([]byte{6, 7, 8, 9})
	if got := r.Bytes(); !bytes.Equal(got, []byte{2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Errorf("Bytes() = %v, want last 8 written", got)
	}
	if r.Len() != 8 {
		t.Errorf("Len = %d, want 8", r.Len())
	}
}

func TestRing_WriteLargerThanCapacityKeepsTail(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte{1, 2, 3, 4, 5, 6, 7})
	if got := r.Bytes(); !bytes.Equal(got, []byte{4, 5, 6, 7}) {
		t.Errorf("Bytes() = %v, want tail", got)
	}
}

func TestRing_ManySmallWritesWrapRepeatedly(t *testing.T) {
	r := NewRing(6)
	for i := byte(0); i < 30; i++ {
		r.Write([]byte{i})
	}
	if got := r.Bytes(); !bytes.Equal(got, []byte{24, 25, 26, 27, 28, 29}) {
		t.Errorf("Bytes() = %v", got)
	}
}

func TestRing_ResetAndZeroCapacity(t *testing.T) {
	r := NewRing(8)
	r.Write([]byte{1, 2, 3})
	r.Reset()
	if r.Len() != 0 || len(r.Bytes()) != 0 {
		t.Error("Reset should empty the ring")
	}

	z := NewRing(0)
	z.Write([]byte{1, 2, 3})
	if z.Len() != 0 || z.Cap() != 0 {
		t.Error("zero-capacity ring should ignore writes")
	}
}

func TestRing_BytesReturnsCopy(t *testing.T) {
	r := NewRing(8)
	r.Write([]byte{1, 2, 3})
	got := r.Bytes()
	got[0] = 99
	if again := r.Bytes(); again[0] != 1 {
		t.Error("mutating the returned slice must not affect the ring")
	}
}
