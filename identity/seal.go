package identity

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"
)

// SealedPayload is the wire container for an X25519/XSalsa20-Poly1305 sealed
// message. An ephemeral sender keypair is generated per message so that
// compromise of a long-lived key never exposes past payloads (forward
// secrecy). All byte strings are carried as raw bytes here; callers hex-
// encode for the wire.
type SealedPayload struct {
	Ciphertext       []byte
	Nonce            [24]byte
	EphemeralPublicKey [32]byte
}

// Seal encrypts plaintext for recipientPub (a 32-byte X25519 public key)
// using a fresh ephemeral keypair. The nonce is drawn from crypto/rand; with
// a random nonce and a fresh key per call the standard collision caveats of
// nacl/box do not apply.
func Seal(plaintext []byte, recipientPub *[32]byte) (*SealedPayload, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, ErrCryptoFailed
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, ErrCryptoFailed
	}

	ct := box.Seal(nil, plaintext, &nonce, recipientPub, ephPriv)
	return &SealedPayload{
		Ciphertext:         ct,
		Nonce:              nonce,
		EphemeralPublicKey: *ephPub,
	}, nil
}

// Open decrypts a SealedPayload with the recipient's X25519 private key.
// Decryption failure (tamper in ciphertext, nonce, or ephemeral
// key) is silent: it returns (nil, false) rather than an error, so the
// caller drops the envelope without surfacing details to the sender.
func Open(sp *SealedPayload, recipientPriv *[32]byte) ([]byte, bool) {
	plaintext, ok := box.Open(nil, sp.Ciphertext, &sp.Nonce, &sp.EphemeralPublicKey, recipientPriv)
	if !ok {
		return nil, false
	}
	return plaintext, true
}
