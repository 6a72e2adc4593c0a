package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	vaultKeySize = 32
	ivSize       = 12
	tagSize      = 16
)

var vaultSalt = []byte("quizfund/vault/v1")

// ErrDecryption is returned for every failed envelope open. No partial plaintext is
// ever returned alongside it.
var ErrDecryption = errors.New("crypto: decryption failed")

// Envelope is the at-rest form of an encrypted private key.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Vault seals custodial key material with AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewVault derives the envelope key from secret once and returns a ready vault.
func NewVault(secret []byte) (*Vault, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: vault secret required")
	}
	key := make([]byte, vaultKeySize)
	defer Wipe(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, vaultSalt, []byte("envelope")), key); err != nil {
		return nil, fmt.Errorf("crypto: derive vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext []byte) (Envelope, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return Envelope{}, fmt.Errorf("crypto: read iv: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize
	return Envelope{
		Ciphertext: sealed[:split:split],
		IV:         iv,
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens an envelope. Any tampering, truncation or wrong key yields ErrDecryption.
func (v *Vault) Decrypt(env Envelope) ([]byte, error) {
	if len(env.IV) != ivSize || len(env.Tag) != tagSize {
		return nil, ErrDecryption
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+tagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	plaintext, err := v.aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// SealPrivateKey encrypts a private key for storage.
func (v *Vault) SealPrivateKey(key *PrivateKey) (Envelope, error) {
	raw := key.Bytes()
	defer Wipe(raw)
	return v.Encrypt(raw)
}

// OpenPrivateKey decrypts a stored private key. The caller must Wipe the result once
// the signing operation completes.
func (v *Vault) OpenPrivateKey(env Envelope) (*PrivateKey, error) {
	raw, err := v.Decrypt(env)
	if err != nil {
		return nil, err
	}
	defer Wipe(raw)
	key, err := PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, ErrDecryption
	}
	return key, nil
}
