package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// KeyTypeED25519 is the only key curve the ledger accepts for custodial accounts.
const KeyTypeED25519 byte = 0

const ed25519Prefix = "ed25519:"

var (
	errKeyPrefix = errors.New("crypto: key must use the ed25519: prefix")
	errKeyLength = errors.New("crypto: invalid key length")
)

// --- Key Management ---

// PrivateKey wraps an ed25519 signing key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PublicKey wraps an ed25519 verification key.
type PublicKey struct {
	key ed25519.PublicKey
}

// GeneratePrivateKey returns a fresh keypair drawn from crypto/rand.
func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes accepts either a 32 byte seed or a 64 byte expanded key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	switch len(b) {
	case ed25519.SeedSize:
		return &PrivateKey{key: ed25519.NewKeyFromSeed(b)}, nil
	case ed25519.PrivateKeySize:
		key := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
		if !bytes.Equal(key[ed25519.SeedSize:], b[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("crypto: public half does not match seed")
		}
		return &PrivateKey{key: key}, nil
	default:
		return nil, errKeyLength
	}
}

// ParsePrivateKey decodes the "ed25519:<base58>" text form.
func ParsePrivateKey(text string) (*PrivateKey, error) {
	raw, err := decodePrefixed(text)
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromBytes(raw)
}

// Bytes returns the 64 byte expanded private key. Callers own the copy and should Wipe it.
func (k *PrivateKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

// String renders the key in "ed25519:<base58>" form. Never log the result.
func (k *PrivateKey) String() string {
	return ed25519Prefix + base58.Encode(k.key)
}

// PubKey derives the public half of the keypair.
func (k *PrivateKey) PubKey() *PublicKey {
	pub := k.key.Public().(ed25519.PublicKey)
	return &PublicKey{key: append(ed25519.PublicKey(nil), pub...)}
}

// Sign signs the message with the private key.
func (k *PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.key, message)
}

// Wipe zeroes the key material held by k.
func (k *PrivateKey) Wipe() {
	if k == nil {
		return
	}
	Wipe(k.key)
}

// PublicKeyFromBytes wraps a raw 32 byte public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, errKeyLength
	}
	return &PublicKey{key: append(ed25519.PublicKey(nil), b...)}, nil
}

// ParsePublicKey decodes the "ed25519:<base58>" text form used by the ledger RPC.
func ParsePublicKey(text string) (*PublicKey, error) {
	raw, err := decodePrefixed(text)
	if err != nil {
		return nil, err
	}
	return PublicKeyFromBytes(raw)
}

// Bytes returns the raw 32 byte public key.
func (k *PublicKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

func (k *PublicKey) String() string {
	return ed25519Prefix + base58.Encode(k.key)
}

// Equal reports whether both keys hold the same bytes.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.key.Equal(other.key)
}

// Verify checks sig over message.
func (k *PublicKey) Verify(message, sig []byte) bool {
	return ed25519.Verify(k.key, message, sig)
}

func decodePrefixed(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, ed25519Prefix) {
		return nil, errKeyPrefix
	}
	raw := base58.Decode(strings.TrimPrefix(text, ed25519Prefix))
	if len(raw) == 0 {
		return nil, fmt.Errorf("crypto: invalid base58 key")
	}
	return raw, nil
}

// Wipe overwrites b with zeroes.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
