package ringbuf

import (
	"sync"
	"testing"
)

func seq(from, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(from + i)
	}
	return out
}

func TestRingWritesThenReadInOrder(t *testing.T) {
	t.Parallel()

	writes := [][]int16{seq(1, 3), seq(4, 5), seq(9, 1), seq(10, 7)}
	r := New[int16](16)

	var want []int16
	for _, w := range writes {
		r.Write(w)
		want = append(want, w...)
	}
	if got := r.Len(); got != len(want) {
		t.Fatalf("Len: got %d, want %d", got, len(want))
	}

	out := make([]int16, len(want))
	if n := r.Read(out); n != len(want) {
		t.Fatalf("Read: got %d, want %d", n, len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len after drain: got %d, want 0", r.Len())
	}
}

func TestRingWrapAround(t *testing.T) {
	t.Parallel()

	r := New[int16](8)
	out := make([]int16, 5)

	// Advance the cursors so the next write straddles the end of the array.
	r.Write(seq(1, 6))
	r.Read(out)
	r.Write(seq(100, 6))

	got := make([]int16, 7)
	if n := r.Read(got); n != 7 {
		t.Fatalf("Read: got %d, want 7", n)
	}
	want := []int16{6, 100, 101, 102, 103, 104, 105}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRingOverflowKeepsNewest(t *testing.T) {
	t.Parallel()

	const capacity = 10
	r := New[int16](capacity)
	r.Write(seq(1, 6))
	r.Write(seq(7, 9)) // 15 total, 5 overwritten

	if got := r.Len(); got != capacity {
		t.Fatalf("Len: got %d, want %d", got, capacity)
	}
	if got := r.Overruns(); got != 5 {
		t.Errorf("Overruns: got %d, want 5", got)
	}

	out := make([]int16, capacity)
	r.Read(out)
	for i, v := range out {
		if want := int16(6 + i); v != want {
			t.Errorf("sample %d: got %d, want %d", i, v, want)
		}
	}
}

func TestRingSingleWriteLargerThanCapacity(t *testing.T) {
	t.Parallel()

	r := New[int16](4)
	r.Write(seq(1, 2))
	r.Write(seq(10, 7))

	if got := r.Len(); got != 4 {
		t.Fatalf("Len: got %d, want 4", got)
	}
	out := make([]int16, 4)
	r.Read(out)
	want := []int16{13, 14, 15, 16}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
	if got := r.Overruns(); got != 5 {
		t.Errorf("Overruns: got %d, want 5", got)
	}
}

func TestRingUnderrunZeroFills(t *testing.T) {
	t.Parallel()

	r := New[float32](8)
	r.Write([]float32{0.5, -0.5, 0.25})

	out := []float32{9, 9, 9, 9, 9, 9}
	if n := r.Read(out); n != 3 {
		t.Fatalf("Read: got %d, want 3", n)
	}
	want := []float32{0.5, -0.5, 0.25, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
	if got := r.Underruns(); got != 3 {
		t.Errorf("Underruns: got %d, want 3", got)
	}
}

func TestRingEmptyOperations(t *testing.T) {
	t.Parallel()

	r := New[int16](0)
	if r.Cap() != 1 {
		t.Errorf("Cap: got %d, want 1", r.Cap())
	}
	r.Write(nil)
	if n := r.Read(nil); n != 0 {
		t.Errorf("Read(nil): got %d, want 0", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len: got %d, want 0", r.Len())
	}
}

func TestRingReset(t *testing.T) {
	t.Parallel()

	r := New[int16](8)
	r.Write(seq(1, 5))
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("Len after Reset: got %d, want 0", r.Len())
	}
	r.Write(seq(50, 2))
	out := make([]int16, 2)
	r.Read(out)
	if out[0] != 50 || out[1] != 51 {
		t.Errorf("after reset: got %v, want [50 51]", out)
	}
}

func TestRingConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := New[int16](1024)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Write(seq(i, 64))
		}
	}()
	go func() {
		defer wg.Done()
		out := make([]int16, 48)
		for i := 0; i < 1000; i++ {
			r.Read(out)
		}
	}()
	wg.Wait()

	if l := r.Len(); l < 0 || l > r.Cap() {
		t.Errorf("Len out of range: %d", l)
	}
}
