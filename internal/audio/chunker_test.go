package audio

import (
	"bytes"
	"testing"
)

func sequence(n int, offset int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((i + offset) % 251)
	}
	return out
}

func TestChunker_ExactBoundaries(t *testing.T) {
	c := NewChunker(ChunkSize)

	// 3000 + 3000 bytes yields one chunk and 1904 carried
	chunks := c.Push(sequence(3000, 0))
	if len(chunks) != 0 {
		t.Fatalf("Expected no chunks from 3000 bytes, got %d", len(chunks))
	}
	chunks = c.Push(sequence(3000, 3000))
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Len() != ChunkSize {
		t.Errorf("Expected chunk of %d bytes, got %d", ChunkSize, chunks[0].Len())
	}
	if c.Pending() != 6000-ChunkSize {
		t.Errorf("Expected %d pending bytes, got %d", 6000-ChunkSize, c.Pending())
	}
	if !bytes.Equal(chunks[0].Bytes(), sequence(ChunkSize, 0)) {
		t.Error("Expected chunk to hold the first 4096 bytes in order")
	}
}

func TestChunker_LargeInput(t *testing.T) {
	c := NewChunker(16)

	chunks := c.Push(sequence(50, 0))
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	if c.Pending() != 2 {
		t.Errorf("Expected 2 pending bytes, got %d", c.Pending())
	}
}

func TestChunker_DeterministicAcrossSplits(t *testing.T) {
	stream := sequence(10000, 7)

	collect := func(sizes []int) []byte {
		c := NewChunker(ChunkSize)
		var out []byte
		pos := 0
		for _, n := range sizes {
			for _, ch := range c.Push(stream[pos : pos+n]) {
				out = append(out, ch.Bytes()...)
			}
			pos += n
		}
		return out
	}

	a := collect([]int{10000})
	b := collect([]int{1, 4095, 3, 5000, 901})
	if !bytes.Equal(a, b) {
		t.Error("Expected identical chunk stream regardless of input splits")
	}
	if len(a) != 2*ChunkSize {
		t.Errorf("Expected %d emitted bytes, got %d", 2*ChunkSize, len(a))
	}
}

func TestChunker_Reset(t *testing.T) {
	c := NewChunker(8)
	c.Push(sequence(5, 0))
	c.Reset()

	if c.Pending() != 0 {
		t.Errorf("Expected 0 pending after reset, got %d", c.Pending())
	}
	chunks := c.Push(sequence(8, 100))
	if len(chunks) != 1 || !bytes.Equal(chunks[0].Bytes(), sequence(8, 100)) {
		t.Error("Expected fresh chunk after reset")
	}
}

func TestChunk_BytesIsCopy(t *testing.T) {
	c := NewChunker(4)
	chunks := c.Push([]byte{1, 2, 3, 4})

	b := chunks[0].Bytes()
	b[0] = 99
	if chunks[0].Bytes()[0] != 1 {
		t.Error("Expected chunk payload to be unaffected by caller mutation")
	}
}
