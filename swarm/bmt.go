package swarm

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Chunk is a content addressed chunk: an 8 byte little-endian span followed
// by at most ChunkSize bytes of payload.
type Chunk struct {
	Address Reference
	Span    uint64
	Payload []byte
}

// Data is the wire form of the chunk, span then payload.
func (c Chunk) Data() []byte {
	b := make([]byte, SpanSize+len(c.Payload))
	binary.LittleEndian.PutUint64(b, c.Span)
	copy(b[SpanSize:], c.Payload)
	return b
}

// NewChunk hashes payload under the given span.
func NewChunk(span uint64, payload []byte) (Chunk, error) {
	if len(payload) > ChunkSize {
		return Chunk{}, fmt.Errorf("chunk payload too large: %d > %d", len(payload), ChunkSize)
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return Chunk{Address: chunkAddress(span, p), Span: span, Payload: p}, nil
}

// ParseChunk reads a wire form chunk back.
func ParseChunk(data []byte) (Chunk, error) {
	if len(data) < SpanSize {
		return Chunk{}, fmt.Errorf("chunk too short: %d bytes", len(data))
	}
	return NewChunk(binary.LittleEndian.Uint64(data[:SpanSize]), data[SpanSize:])
}

func chunkAddress(span uint64, payload []byte) Reference {
	var sb [SpanSize]byte
	binary.LittleEndian.PutUint64(sb[:], span)
	return BytesToReference(crypto.Keccak256(sb[:], bmtRoot(payload)))
}

// bmtRoot is the binary merkle root of payload zero padded to ChunkSize, with
// SegmentSize leaves hashed pairwise.
func bmtRoot(payload []byte) []byte {
	level := make([]byte, ChunkSize)
	copy(level, payload)
	for len(level) > SegmentSize {
		next := make([]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 * SegmentSize {
			copy(next[i/2:], crypto.Keccak256(level[i:i+2*SegmentSize]))
		}
		level = next
	}
	return level
}

// SplitFile cuts data into the chunk tree Bee builds for /bytes uploads and
// returns the root chunk and every chunk of the tree, leaves first.
//
// Leaves carry ChunkSize bytes each. Intermediate chunks hold up to Branches
// child references and span the sum of their children. A level whose last
// group holds a single reference passes it up unwrapped.
func SplitFile(data []byte) (Chunk, []Chunk, error) {
	if len(data) <= ChunkSize {
		c, err := NewChunk(uint64(len(data)), data)
		if err != nil {
			return Chunk{}, nil, err
		}
		return c, []Chunk{c}, nil
	}
	var all []Chunk
	var level []Chunk
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		c, err := NewChunk(uint64(end-off), data[off:end])
		if err != nil {
			return Chunk{}, nil, err
		}
		level = append(level, c)
	}
	all = append(all, level...)

	for len(level) > 1 {
		var next []Chunk
		for i := 0; i < len(level); i += Branches {
			end := i + Branches
			if end > len(level) {
				end = len(level)
			}
			group := level[i:end]
			if len(group) == 1 {
				next = append(next, group[0])
				continue
			}
			var span uint64
			payload := make([]byte, 0, len(group)*RefSize)
			for _, c := range group {
				span += c.Span
				payload = append(payload, c.Address[:]...)
			}
			parent, err := NewChunk(span, payload)
			if err != nil {
				return Chunk{}, nil, err
			}
			next = append(next, parent)
			all = append(all, parent)
		}
		level = next
	}
	return level[0], all, nil
}

// FileAddress is the root address of data as uploaded through /bytes.
func FileAddress(data []byte) (Reference, error) {
	root, _, err := SplitFile(data)
	if err != nil {
		return ZeroReference, err
	}
	return root.Address, nil
}
