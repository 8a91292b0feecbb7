// Package types provides common type definitions for replayberry.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// PayloadType is the discriminator carried in the "type" field of a block payload.
type PayloadType string

// Known payload types. Any other string is a valid, contract-defined type that
// simply has no handlers unless something registers for it.
const (
	PayloadKeyring        PayloadType = "Keyring"
	PayloadContractDeploy PayloadType = "EcmaContractDeploy"
	PayloadContractCall   PayloadType = "EcmaContractCallBlock"
	PayloadEmpty          PayloadType = "Empty"
	PayloadKeyIssue       PayloadType = "KO-KEY-ISSUE"
	PayloadKeyDelete      PayloadType = "KO-KEY-DELETE"
)

// IndexedPayloadTypes lists the payload types whose block headers are recorded
// by the event index.
var IndexedPayloadTypes = []PayloadType{
	PayloadKeyring,
	PayloadContractDeploy,
	PayloadContractCall,
	PayloadEmpty,
	PayloadKeyIssue,
	PayloadKeyDelete,
}

// String returns the payload type as a string.
func (t PayloadType) String() string {
	return string(t)
}

// Block is an immutable, height-ordered ledger entry. It is produced
// elsewhere; replayberry only reads it and validates linkage.
type Block struct {
	Index          int64           `json:"index"`
	PreviousHash   string          `json:"previousHash"`
	Timestamp      int64           `json:"timestamp"`
	StartTimestamp int64           `json:"startTimestamp"`
	Data           json.RawMessage `json:"data"`
	Hash           string          `json:"hash"`
	Sign           string          `json:"sign,omitempty"`
}

// DecodeBlock parses a serialized block.
func DecodeBlock(raw []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	return &b, nil
}

// Encode serializes the block.
func (b *Block) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// Payload is the decoded form of a block's data field.
type Payload struct {
	Type PayloadType `json:"type"`

	// Keys is set for Keyring payloads.
	Keys []string `json:"keys,omitempty"`

	// Raw holds the complete payload object for handlers that need
	// contract-specific fields.
	Raw json.RawMessage `json:"-"`
}

// Payload decodes the block data. Data may be either a JSON object or a JSON
// string containing the serialized object.
func (b *Block) Payload() (*Payload, error) {
	data := bytes.TrimSpace(b.Data)
	if len(data) == 0 {
		return nil, ErrInvalidPayload
	}

	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		data = []byte(inner)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.Raw = append(json.RawMessage(nil), data...)
	return &p, nil
}

// Keyring returns the key list of a Keyring payload.
func (p *Payload) Keyring() ([]string, bool) {
	if p.Type != PayloadKeyring {
		return nil, false
	}
	return p.Keys, true
}

// NewPayloadData serializes a payload object into block data.
func NewPayloadData(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// HeightKey returns the block store key for a block index.
func HeightKey(index int64) []byte {
	return []byte(strconv.FormatInt(index, 10))
}
