package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// HashSize is the size of a block hash in bytes before hex encoding.
const HashSize = sha256.Size

// CalculateHash computes the canonical hash of a block from its linked fields.
// The result is hex encoded.
func CalculateHash(b *Block) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(b.Index, 10)))
	h.Write([]byte(b.PreviousHash))
	h.Write([]byte(strconv.FormatInt(b.Timestamp, 10)))
	h.Write(b.Data)
	h.Write([]byte(strconv.FormatInt(b.StartTimestamp, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHash reports whether the block's stored hash matches its content.
func VerifyHash(b *Block) bool {
	return b != nil && b.Hash == CalculateHash(b)
}

// LinksTo reports whether b directly follows prev in the hash chain.
func (b *Block) LinksTo(prev *Block) bool {
	if prev == nil {
		return true
	}
	return b.PreviousHash == prev.Hash
}

// NewBlock builds a block linked to prevHash and fills in its hash.
func NewBlock(index int64, prevHash string, timestamp int64, data []byte) *Block {
	b := &Block{
		Index:          index,
		PreviousHash:   prevHash,
		Timestamp:      timestamp,
		StartTimestamp: timestamp,
		Data:           data,
	}
	b.Hash = CalculateHash(b)
	return b
}
