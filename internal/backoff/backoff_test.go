package backoff

import "testing"

func TestAdvanceGrowsAndCaps(t *testing.T) {
	s := New(10, 2.0, 100)
	var last = s.Advance()
	for i := 0; i < 20; i++ {
		d := s.Advance()
		if d < last {
			t.Fatalf("backoff shrank: %d -> %d", last, d)
		}
		last = d
	}
	if last > 100 {
		t.Fatalf("backoff exceeded cap: %d", last)
	}
}

func TestResetReturnsToZero(t *testing.T) {
	s := New(10, 2.0, 100)
	s.Advance()
	s.Advance()
	s.Reset()
	if s.Current() != 0 {
		t.Fatalf("Current() after Reset = %d, want 0", s.Current())
	}
}
