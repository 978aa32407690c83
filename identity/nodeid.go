// Package identity provides Ed25519 node identity, detached signing, and
// X25519 forward-secret payload sealing for the overlay. A NodeId is the
// lowercase hex encoding of a node's 32-byte Ed25519 public key; every other
// component treats it as an opaque, comparable string.
package identity

import (
	"encoding/hex"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// NodeId is the 64-char lowercase hex encoding of a node's Ed25519 public key.
// Equality is byte equality on the decoded form; ordering is lexicographic on
// the hex string itself, which is used as the deterministic tiebreak
// throughout role assignment, relay selection, and hub election.
type NodeId string

// Bytes decodes the NodeId back to its raw 32-byte public key. Callers that
// only need to compare or sort NodeIds should not call this; string
// comparison on NodeId already matches byte-equality and hex ordering.
func (n NodeId) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(string(n))
	if err != nil {
		return nil, ErrCryptoFailed
	}
	if len(b) != 32 {
		return nil, ErrCryptoFailed
	}
	return b, nil
}

func (n NodeId) String() string { return string(n) }

// NodeIdFromPublicKey derives the NodeId for an Ed25519 public key.
func NodeIdFromPublicKey(pub libp2pcrypto.PubKey) (NodeId, error) {
	raw, err := pub.Raw()
	if err != nil {
		return "", ErrCryptoFailed
	}
	if len(raw) != 32 {
		return "", ErrCryptoFailed
	}
	return NodeId(hex.EncodeToString(raw)), nil
}

// NodeIdFromBytes hex-encodes a raw 32-byte Ed25519 public key into a NodeId.
// Round-trips exactly for every byte value 0x00..0xFF, including leading zeros.
func NodeIdFromBytes(pub []byte) (NodeId, error) {
	if len(pub) != 32 {
		return "", ErrCryptoFailed
	}
	return NodeId(hex.EncodeToString(pub)), nil
}
