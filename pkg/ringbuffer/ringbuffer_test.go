package ringbuffer

import (
	"sync"
	"testing"
)

func TestNewRoundsToPowerOf2(t *testing.T) {
	tests := []struct {
		input    uint64
		expected uint64
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{100, 128},
		{1000, 1024},
		{1024, 1024},
	}

	for _, tt := range tests {
		rb := New(tt.input)
		if rb.Capacity() != tt.expected {
			t.Errorf("New(%d): got capacity %d, want %d", tt.input, rb.Capacity(), tt.expected)
		}
	}
}

func TestWriteRead(t *testing.T) {
	rb := New(16)

	data := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	written, err := rb.Write(data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if written != len(data) {
		t.Fatalf("Write: got %d, want %d", written, len(data))
	}

	if rb.AvailableRead() != 5 {
		t.Errorf("AvailableRead: got %d, want 5", rb.AvailableRead())
	}
	if rb.AvailableWrite() != 11 {
		t.Errorf("AvailableWrite: got %d, want 11", rb.AvailableWrite())
	}

	out := make([]float32, 5)
	n, err := rb.Read(out)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("Read: got %d, want 5", n)
	}
	for i := range data {
		if out[i] != data[i] {
			t.Errorf("sample %d: got %v, want %v", i, out[i], data[i])
		}
	}
	if !rb.IsEmpty() {
		t.Error("expected buffer to be empty after draining")
	}
}

func TestWriteInsufficientSpace(t *testing.T) {
	rb := New(4)
	_, err := rb.Write(make([]float32, 5))
	if err != ErrInsufficientSpace {
		t.Fatalf("got %v, want ErrInsufficientSpace", err)
	}
	if rb.AvailableRead() != 0 {
		t.Error("a rejected write must not write any data")
	}
}

func TestReadPartial(t *testing.T) {
	rb := New(16)
	rb.Write([]float32{1, 2, 3})

	out := make([]float32, 10)
	n, err := rb.Read(out)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Read: got %d, want 3", n)
	}
}

func TestReadEmpty(t *testing.T) {
	rb := New(16)
	_, err := rb.Read(make([]float32, 4))
	if err != ErrInsufficientData {
		t.Fatalf("got %v, want ErrInsufficientData", err)
	}
}

func TestSkip(t *testing.T) {
	rb := New(16)
	rb.Write([]float32{1, 2, 3, 4, 5, 6})

	skipped := rb.Skip(4)
	if skipped != 4 {
		t.Fatalf("Skip: got %d, want 4", skipped)
	}
	if rb.AvailableRead() != 2 {
		t.Fatalf("AvailableRead after skip: got %d, want 2", rb.AvailableRead())
	}

	out := make([]float32, 2)
	rb.Read(out)
	if out[0] != 5 || out[1] != 6 {
		t.Errorf("Skip left wrong remainder: got %v", out)
	}
}

func TestSkipBeyondAvailable(t *testing.T) {
	rb := New(16)
	rb.Write([]float32{1, 2})
	skipped := rb.Skip(10)
	if skipped != 2 {
		t.Fatalf("Skip: got %d, want 2 (clamped to available)", skipped)
	}
}

func TestClear(t *testing.T) {
	rb := New(16)
	rb.Write([]float32{1, 2, 3})
	rb.Clear()
	if !rb.IsEmpty() {
		t.Error("expected empty after Clear")
	}
	if rb.AvailableWrite() != rb.Capacity() {
		t.Error("Clear must restore full write availability")
	}
}

func TestWrapAround(t *testing.T) {
	rb := New(4)
	rb.Write([]float32{1, 2, 3})
	out := make([]float32, 2)
	rb.Read(out) // consume 1, 2 -> readPos=2, writePos=3

	written, err := rb.Write([]float32{4, 5, 6})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if written != 3 {
		t.Fatalf("Write: got %d, want 3", written)
	}

	remaining := make([]float32, 4)
	n, err := rb.Read(remaining)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("Read: got %d, want 4", n)
	}
	want := []float32{3, 4, 5, 6}
	for i := range want {
		if remaining[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, remaining[i], want[i])
		}
	}
}

// TestConcurrentProducerConsumer exercises the SPSC discipline with
// an actual producer and consumer goroutine, verifying every sample
// written is eventually read exactly once and in order.
func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 200_000
	rb := New(256)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		chunk := make([]float32, 32)
		written := 0
		for written < total {
			n := min(len(chunk), total-written)
			for i := 0; i < n; i++ {
				chunk[i] = float32(written + i)
			}
			for {
				w, err := rb.Write(chunk[:n])
				if err == nil {
					written += w
					break
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		out := make([]float32, 32)
		read := 0
		for read < total {
			n, err := rb.Read(out)
			if err != nil {
				continue
			}
			for i := 0; i < n; i++ {
				if out[i] != float32(read+i) {
					t.Errorf("sample %d: got %v, want %v", read+i, out[i], float32(read+i))
				}
			}
			read += n
		}
	}()

	wg.Wait()
}
