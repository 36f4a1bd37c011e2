package swarm

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const SignatureSize = 65

// SingleOwnerChunk wraps a content addressed chunk under an identifier chosen
// by its owner. Its address depends only on identifier and owner, so a reader
// can find it without knowing the content.
type SingleOwnerChunk struct {
	ID        [32]byte
	Owner     ethcommon.Address
	Signature []byte
	Chunk     Chunk
}

func (s SingleOwnerChunk) Address() Reference {
	return SOCAddress(s.ID, s.Owner)
}

func SOCAddress(id [32]byte, owner ethcommon.Address) Reference {
	return BytesToReference(crypto.Keccak256(id[:], owner.Bytes()))
}

// FeedIdentifier is the SOC identifier of update index of a sequential feed.
func FeedIdentifier(topic Topic, index uint64) [32]byte {
	var ib [8]byte
	binary.BigEndian.PutUint64(ib[:], index)
	var id [32]byte
	copy(id[:], crypto.Keccak256(topic[:], ib[:]))
	return id
}

// ChannelIdentifier is the SOC identifier of a broadcast channel.
func ChannelIdentifier(channel string) [32]byte {
	var id [32]byte
	copy(id[:], crypto.Keccak256([]byte(channel)))
	return id
}

func socDigest(id [32]byte, cac Reference) []byte {
	return accounts.TextHash(crypto.Keccak256(id[:], cac[:]))
}

// SignSOC signs the chunk under id with signer's key.
func SignSOC(signer *Signer, id [32]byte, c Chunk) (SingleOwnerChunk, error) {
	sig, err := crypto.Sign(socDigest(id, c.Address), signer.key)
	if err != nil {
		return SingleOwnerChunk{}, fmt.Errorf("sign soc: %w", err)
	}
	sig[64] += 27
	return SingleOwnerChunk{ID: id, Owner: signer.Owner(), Signature: sig, Chunk: c}, nil
}

// RecoverOwner returns the address whose key produced the signature.
func (s SingleOwnerChunk) RecoverOwner() (ethcommon.Address, error) {
	if len(s.Signature) != SignatureSize {
		return ethcommon.Address{}, fmt.Errorf("invalid signature length %d", len(s.Signature))
	}
	sig := make([]byte, SignatureSize)
	copy(sig, s.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(socDigest(s.ID, s.Chunk.Address), sig)
	if err != nil {
		return ethcommon.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Valid reports whether the signature recovers to the declared owner.
func (s SingleOwnerChunk) Valid() bool {
	owner, err := s.RecoverOwner()
	return err == nil && owner == s.Owner
}
