// Package swarm is the storage network adapter of the ingest pipeline. It
// computes chunk addresses locally, signs single-owner chunks and talks to a
// Bee node over HTTP. MemoryClient implements the same Client for tests and
// dry runs.
package swarm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	SegmentSize = 32
	Branches    = 128
	ChunkSize   = SegmentSize * Branches
	SpanSize    = 8
	RefSize     = 32
)

// Reference is a 32 byte content or single-owner chunk address.
type Reference [RefSize]byte

var ZeroReference Reference

// Hex is the unprefixed form used in Bee URLs and in playlists.
func (r Reference) Hex() string {
	return hex.EncodeToString(r[:])
}

func (r Reference) String() string {
	return r.Hex()
}

func (r Reference) IsZero() bool {
	return r == ZeroReference
}

func (r Reference) MarshalText() ([]byte, error) {
	return []byte(r.Hex()), nil
}

func (r *Reference) UnmarshalText(b []byte) error {
	ref, err := ParseReference(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

func ParseReference(s string) (Reference, error) {
	var r Reference
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return r, fmt.Errorf("invalid reference %q: %w", s, err)
	}
	if len(b) != RefSize {
		return r, fmt.Errorf("invalid reference %q: want %d bytes, got %d", s, RefSize, len(b))
	}
	copy(r[:], b)
	return r, nil
}

func BytesToReference(b []byte) Reference {
	var r Reference
	copy(r[:], b)
	return r
}

// Topic names a feed. Topics derived from strings are the keccak256 hash of
// the raw string.
type Topic [32]byte

func TopicFromString(s string) Topic {
	var t Topic
	copy(t[:], crypto.Keccak256([]byte(s)))
	return t
}

func (t Topic) Hex() string {
	return hex.EncodeToString(t[:])
}

// Client is everything the ingest pipeline needs from the storage network.
type Client interface {
	// ComputeAddress returns the content address of data without uploading it.
	ComputeAddress(data []byte) (Reference, error)
	UploadBytes(ctx context.Context, stamp string, data []byte) (Reference, error)
	// PublishFeedEntry writes data as the feed update at index of the
	// (signer, topic) feed.
	PublishFeedEntry(ctx context.Context, stamp string, topic Topic, signer *Signer, index uint64, data []byte) (Reference, error)
	// SendBroadcast writes payload to the public channel owned by signer.
	SendBroadcast(ctx context.Context, stamp string, signer *Signer, channel string, payload []byte) (Reference, error)
}

// Signer holds the secp256k1 key that owns feeds and broadcast channels.
type Signer struct {
	key   *ecdsa.PrivateKey
	owner ethcommon.Address
}

func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, owner: crypto.PubkeyToAddress(key.PublicKey)}
}

// SignerFromHex parses a hex private key, with or without the 0x prefix.
func SignerFromHex(s string) (*Signer, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	return NewSigner(key), nil
}

func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewSigner(key), nil
}

func (s *Signer) Owner() ethcommon.Address {
	return s.owner
}

// OwnerHex is the lowercase unprefixed owner address as used by Bee URLs.
func (s *Signer) OwnerHex() string {
	return hex.EncodeToString(s.owner.Bytes())
}

func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(s.key))
}
