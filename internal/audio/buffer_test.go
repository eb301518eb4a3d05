package audio

import (
	"bytes"
	"testing"
)

func TestRingBuffer_WriteRead(t *testing.T) {
	rb := NewRingBuffer(10)

	if written := rb.Write([]byte{1, 2, 3, 4, 5}); written != 5 {
		t.Errorf("Expected to write 5 bytes, got %d", written)
	}
	if rb.Buffered() != 5 {
		t.Errorf("Expected 5 bytes buffered, got %d", rb.Buffered())
	}

	out := make([]byte, 3)
	if read := rb.Read(out); read != 3 {
		t.Errorf("Expected to read 3 bytes, got %d", read)
	}
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Errorf("Expected oldest bytes first, got %v", out)
	}
	if rb.Buffered() != 2 {
		t.Errorf("Expected 2 bytes left, got %d", rb.Buffered())
	}
}

func TestRingBuffer_DropsExcessWhenFull(t *testing.T) {
	rb := NewRingBuffer(4)

	if written := rb.Write([]byte{1, 2, 3, 4, 5, 6}); written != 4 {
		t.Errorf("Expected 4 bytes to fit, got %d", written)
	}
	if rb.Free() != 0 {
		t.Errorf("Expected no free space, got %d", rb.Free())
	}

	// A full buffer keeps what it has; new audio is dropped, not overwritten
	if written := rb.Write([]byte{7}); written != 0 {
		t.Errorf("Expected write into a full buffer to drop everything, got %d", written)
	}
	out := make([]byte, 4)
	rb.Read(out)
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Errorf("Expected buffered audio preserved, got %v", out)
	}
}

func TestRingBuffer_ReadEmpty(t *testing.T) {
	rb := NewRingBuffer(10)

	out := make([]byte, 5)
	if read := rb.Read(out); read != 0 {
		t.Errorf("Expected to read 0 bytes from an empty buffer, got %d", read)
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(8)

	rb.Write([]byte{1, 2, 3, 4, 5})
	rb.Read(make([]byte, 5))

	// The next write wraps past the end of the underlying slice
	rb.Write([]byte{6, 7, 8, 9, 10})
	out := make([]byte, 5)
	if read := rb.Read(out); read != 5 {
		t.Fatalf("Expected to read 5 bytes, got %d", read)
	}
	if !bytes.Equal(out, []byte{6, 7, 8, 9, 10}) {
		t.Errorf("Expected bytes in capture order across the wrap, got %v", out)
	}
}

func TestRingBuffer_WrappedWriteThenPartialReads(t *testing.T) {
	rb := NewRingBuffer(6)

	rb.Write([]byte{1, 2, 3, 4})
	rb.Read(make([]byte, 3))
	rb.Write([]byte{5, 6, 7, 8, 9}) // Crosses the slice boundary

	if rb.Buffered() != 6 {
		t.Fatalf("Expected 6 bytes buffered, got %d", rb.Buffered())
	}

	out := make([]byte, 2)
	rb.Read(out)
	if !bytes.Equal(out, []byte{4, 5}) {
		t.Errorf("Expected {4, 5} first, got %v", out)
	}
	rest := make([]byte, 4)
	rb.Read(rest)
	if !bytes.Equal(rest, []byte{6, 7, 8, 9}) {
		t.Errorf("Expected remaining bytes in order, got %v", rest)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{1, 2, 3})

	rb.Clear()
	if rb.Buffered() != 0 {
		t.Errorf("Expected empty buffer after Clear, got %d buffered", rb.Buffered())
	}
	if rb.Free() != 10 {
		t.Errorf("Expected full capacity free after Clear, got %d", rb.Free())
	}
}
