package audio

import (
	"bytes"
	"testing"
)

func TestRingBuffer_WriteRead(t *testing.T) {
	rb := NewRingBuffer(10)

	written := rb.Write([]byte{1, 2, 3, 4, 5})
	if written != 5 {
		t.Errorf("Expected to write 5 bytes, got %d", written)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5, got %d", rb.Available())
	}

	readBuf := make([]byte, 3)
	read := rb.Read(readBuf)
	if read != 3 {
		t.Errorf("Expected to read 3 bytes, got %d", read)
	}
	if !bytes.Equal(readBuf, []byte{1, 2, 3}) {
		t.Errorf("Read incorrect data: %v", readBuf)
	}
	if rb.Space() != 7 {
		t.Errorf("Expected space 7, got %d", rb.Space())
	}
}

func TestRingBuffer_WriteOverflow(t *testing.T) {
	rb := NewRingBuffer(5)

	written := rb.Write([]byte{1, 2, 3, 4, 5, 6})
	if written != 4 {
		t.Errorf("Expected to write 4 bytes (size-1), got %d", written)
	}
	if !rb.IsFull() {
		t.Error("Expected buffer to be full")
	}
	if rb.Capacity() != 4 {
		t.Errorf("Expected capacity 4, got %d", rb.Capacity())
	}
	if n := rb.Write([]byte{7}); n != 0 {
		t.Errorf("Expected 0 bytes written to full buffer, got %d", n)
	}
}

func TestRingBuffer_ReadEmpty(t *testing.T) {
	rb := NewRingBuffer(10)

	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty initially")
	}
	if read := rb.Read(make([]byte, 5)); read != 0 {
		t.Errorf("Expected to read 0 bytes from empty buffer, got %d", read)
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(5)

	rb.Write([]byte{1, 2, 3, 4})
	rb.Read(make([]byte, 2))

	// Crosses the end of the backing slice
	if n := rb.Write([]byte{5, 6}); n != 2 {
		t.Errorf("Expected to write 2 bytes, got %d", n)
	}

	readBuf := make([]byte, 4)
	if read := rb.Read(readBuf); read != 4 {
		t.Errorf("Expected to read 4 bytes, got %d", read)
	}
	if !bytes.Equal(readBuf, []byte{3, 4, 5, 6}) {
		t.Errorf("Expected [3 4 5 6], got %v", readBuf)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{1, 2, 3})

	rb.Clear()
	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty after clear")
	}
	if rb.Space() != 9 {
		t.Errorf("Expected space 9 after clear, got %d", rb.Space())
	}
}
