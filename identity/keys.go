package identity

import (
	"fmt"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// Identity holds a node's long-lived Ed25519 keypair and its derived NodeId.
type Identity struct {
	Priv libp2pcrypto.PrivKey
	Pub  libp2pcrypto.PubKey
	Node NodeId
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	priv, pub, err := libp2pcrypto.GenerateKeyPair(libp2pcrypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	node, err := NodeIdFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{Priv: priv, Pub: pub, Node: node}, nil
}

// Sign produces a detached 64-byte Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id == nil || id.Priv == nil {
		return nil, ErrIdentityMissing
	}
	sig, err := id.Priv.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	return sig, nil
}

// Verify checks a detached signature against a raw Ed25519 public key.
func Verify(pub []byte, msg, sig []byte) (bool, error) {
	if len(pub) != 32 {
		return false, ErrCryptoFailed
	}
	if len(sig) != 64 {
		return false, ErrCryptoFailed
	}
	key, err := libp2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	ok, err := key.Verify(msg, sig)
	if err != nil {
		return false, nil // verification failure, not a crypto error
	}
	return ok, nil
}

// LoadOrCreate loads an identity from a key file, or generates and persists
// a new one. Mirrors the host application's key-file convention: raw
// protobuf-marshaled private key bytes, 0600 permissions.
func LoadOrCreate(path string) (*Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		priv, err := libp2pcrypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("unmarshal key from %s: %w", path, err)
		}
		pub := priv.GetPublic()
		node, err := NodeIdFromPublicKey(pub)
		if err != nil {
			return nil, err
		}
		return &Identity{Priv: priv, Pub: pub, Node: node}, nil
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	data, err := libp2pcrypto.MarshalPrivateKey(id.Priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s: %w", path, err)
	}
	return id, nil
}
