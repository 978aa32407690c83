// Package identitystore persists a node's long-lived Ed25519 keypair
// encrypted at rest, exposing a save(identity) / load() -> identity | null
// collaborator contract.
//
// Crypto: Argon2id derives the encryption key from an operator passphrase;
// XChaCha20-Poly1305 seals the raw keypair bytes.
package identitystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/term"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/malikkaraoui/tom/identity"
)

// Argon2id parameters tuned for an interactive unlock on a single node.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
	saltLen      = 16
)

// ErrNoPassphrase is returned by PromptPassphrase when stdin is not a
// terminal to prompt on.
var ErrNoPassphrase = errors.New("identitystore: no passphrase available")

// sealedFile is the on-disk encrypted envelope.
type sealedFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// rawIdentity is the plaintext sealed inside the file, hex round-tripping
// exactly for every byte value: publicKey is the raw 32-byte Ed25519 key;
// secretKey is the libp2p protobuf encoding of the private key
// (MarshalPrivateKey), not a raw 64-byte Ed25519 secret key.
type rawIdentity struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// Save encrypts id's keypair with a key derived from passphrase and writes
// it to path with 0600 permissions.
func Save(path string, id *identity.Identity, passphrase string) error {
	privBytes, err := libp2pcrypto.MarshalPrivateKey(id.Priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubBytes, err := id.Pub.Raw()
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	raw := rawIdentity{
		PublicKey: hex.EncodeToString(pubBytes),
		SecretKey: hex.EncodeToString(privBytes),
	}
	plaintext, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	sf := sealedFile{
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Load decrypts the identity at path with the given passphrase. Returns
// (nil, false) if the file does not exist, matching the collaborator
// contract's "identity | null".
func Load(path string, passphrase string) (*identity.Identity, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var sf sealedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, false, fmt.Errorf("parse vault file: %w", err)
	}

	salt, err := hex.DecodeString(sf.Salt)
	if err != nil {
		return nil, false, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(sf.Nonce)
	if err != nil {
		return nil, false, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(sf.Ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("decode ciphertext: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, false, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt identity: wrong passphrase or corrupt file")
	}

	var raw rawIdentity
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return nil, false, fmt.Errorf("parse decrypted identity: %w", err)
	}

	privBytes, err := hex.DecodeString(raw.SecretKey)
	if err != nil {
		return nil, false, fmt.Errorf("decode secret key: %w", err)
	}
	priv, err := libp2pcrypto.UnmarshalPrivateKey(privBytes)
	if err != nil {
		return nil, false, fmt.Errorf("unmarshal private key: %w", err)
	}
	pub := priv.GetPublic()
	node, err := identity.NodeIdFromPublicKey(pub)
	if err != nil {
		return nil, false, err
	}

	return &identity.Identity{Priv: priv, Pub: pub, Node: node}, true, nil
}

// PromptPassphrase reads a passphrase from the controlling terminal without
// echoing it, for interactive CLI use.
func PromptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoPassphrase
	}
	fmt.Print(prompt)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}
