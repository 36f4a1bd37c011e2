package swarm

import (
	"context"
	"fmt"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Op names a MemoryClient operation for fault injection.
type Op string

const (
	OpUploadBytes Op = "uploadBytes"
	OpFeed        Op = "feed"
	OpBroadcast   Op = "broadcast"
)

type feedKey struct {
	owner ethcommon.Address
	topic Topic
	index uint64
}

// MemoryClient keeps every upload in memory. Fail, when set, is consulted
// before each operation and its error returned as the operation's result.
type MemoryClient struct {
	Fail func(op Op, data []byte) error

	mu         sync.Mutex
	files      map[Reference][]byte
	chunks     map[Reference]Chunk
	socs       map[Reference]SingleOwnerChunk
	feeds      map[feedKey][]byte
	broadcasts map[string][][]byte
	calls      map[Op]int
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		files:      make(map[Reference][]byte),
		chunks:     make(map[Reference]Chunk),
		socs:       make(map[Reference]SingleOwnerChunk),
		feeds:      make(map[feedKey][]byte),
		broadcasts: make(map[string][][]byte),
		calls:      make(map[Op]int),
	}
}

func (m *MemoryClient) ComputeAddress(data []byte) (Reference, error) {
	return FileAddress(data)
}

func (m *MemoryClient) check(op Op, data []byte) error {
	m.mu.Lock()
	m.calls[op]++
	fail := m.Fail
	m.mu.Unlock()
	if fail != nil {
		return fail(op, data)
	}
	return nil
}

func (m *MemoryClient) UploadBytes(ctx context.Context, stamp string, data []byte) (Reference, error) {
	if err := m.check(OpUploadBytes, data); err != nil {
		return ZeroReference, err
	}
	return m.storeFile(data)
}

func (m *MemoryClient) storeFile(data []byte) (Reference, error) {
	root, all, err := SplitFile(data)
	if err != nil {
		return ZeroReference, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range all {
		m.chunks[c.Address] = c
	}
	m.files[root.Address] = append([]byte(nil), data...)
	return root.Address, nil
}

func (m *MemoryClient) PublishFeedEntry(ctx context.Context, stamp string, topic Topic, signer *Signer, index uint64, data []byte) (Reference, error) {
	if err := m.check(OpFeed, data); err != nil {
		return ZeroReference, err
	}
	root, _, err := SplitFile(data)
	if err != nil {
		return ZeroReference, err
	}
	if len(data) > ChunkSize {
		if _, err := m.storeFile(data); err != nil {
			return ZeroReference, err
		}
	}
	soc, err := SignSOC(signer, FeedIdentifier(topic, index), root)
	if err != nil {
		return ZeroReference, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.socs[soc.Address()] = soc
	m.feeds[feedKey{owner: signer.Owner(), topic: topic, index: index}] = append([]byte(nil), data...)
	return soc.Address(), nil
}

func (m *MemoryClient) SendBroadcast(ctx context.Context, stamp string, signer *Signer, channel string, payload []byte) (Reference, error) {
	if err := m.check(OpBroadcast, payload); err != nil {
		return ZeroReference, err
	}
	if len(payload) > ChunkSize {
		return ZeroReference, fmt.Errorf("broadcast payload too large: %d bytes", len(payload))
	}
	c, err := NewChunk(uint64(len(payload)), payload)
	if err != nil {
		return ZeroReference, err
	}
	soc, err := SignSOC(signer, ChannelIdentifier(channel), c)
	if err != nil {
		return ZeroReference, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.socs[soc.Address()] = soc
	m.broadcasts[channel] = append(m.broadcasts[channel], append([]byte(nil), payload...))
	return soc.Address(), nil
}

// File returns the data uploaded under ref.
func (m *MemoryClient) File(ref Reference) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[ref]
	return b, ok
}

func (m *MemoryClient) SOC(ref Reference) (SingleOwnerChunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.socs[ref]
	return s, ok
}

// FeedEntry returns the data published at index of the (owner, topic) feed.
func (m *MemoryClient) FeedEntry(owner ethcommon.Address, topic Topic, index uint64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.feeds[feedKey{owner: owner, topic: topic, index: index}]
	return b, ok
}

// FeedLength is the number of consecutive entries of the feed starting at 0.
func (m *MemoryClient) FeedLength(owner ethcommon.Address, topic Topic) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for {
		if _, ok := m.feeds[feedKey{owner: owner, topic: topic, index: n}]; !ok {
			return n
		}
		n++
	}
}

func (m *MemoryClient) Broadcasts(channel string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.broadcasts[channel]...)
}

func (m *MemoryClient) FileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func (m *MemoryClient) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}
