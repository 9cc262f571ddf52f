package audio

// Chunk is one fixed-size block of little-endian float32 audio ready for the wire.
// Its bytes are never modified after creation.
type Chunk struct {
	data []byte
}

// Bytes returns a copy of the chunk payload
func (c Chunk) Bytes() []byte {
	out := make([]byte, len(c.data))
	copy(out, c.data)
	return out
}

// Len returns the payload size in bytes
func (c Chunk) Len() int {
	return len(c.data)
}

// Chunker splits a continuous byte stream into fixed-size chunks, carrying the
// remainder between calls. Not safe for concurrent use.
type Chunker struct {
	carry *RingBuffer
	size  int
}

// NewChunker creates a chunker emitting chunks of exactly size bytes
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = ChunkSize
	}
	return &Chunker{
		carry: NewRingBuffer(size + 1),
		size:  size,
	}
}

// Push appends data and returns every complete chunk, in stream order
func (c *Chunker) Push(data []byte) []Chunk {
	var chunks []Chunk
	for len(data) > 0 {
		n := c.carry.Write(data)
		data = data[n:]

		if c.carry.Available() == c.size {
			buf := make([]byte, c.size)
			c.carry.Read(buf)
			chunks = append(chunks, Chunk{data: buf})
		}
	}
	return chunks
}

// Pending returns the number of carried bytes not yet emitted
func (c *Chunker) Pending() int {
	return c.carry.Available()
}

// Reset discards carried bytes
func (c *Chunker) Reset() {
	c.carry.Clear()
}
