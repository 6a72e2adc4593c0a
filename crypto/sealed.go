package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SealedKey is the portable JSON form of a vault envelope, tagged with the public
// key so operators can register it without opening the envelope.
type SealedKey struct {
	PublicKey  string `json:"public_key"`
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
}

// SealKey encrypts key into its portable form.
func (v *Vault) SealKey(key *PrivateKey) (SealedKey, error) {
	env, err := v.SealPrivateKey(key)
	if err != nil {
		return SealedKey{}, err
	}
	return SealedKey{
		PublicKey:  key.PubKey().String(),
		Ciphertext: env.Ciphertext,
		IV:         env.IV,
		Tag:        env.Tag,
	}, nil
}

// OpenSealedKey decodes and decrypts a SealedKey document. The decrypted key must
// match the advertised public key.
func (v *Vault) OpenSealedKey(text string) (*PrivateKey, error) {
	var sealed SealedKey
	if err := json.Unmarshal([]byte(text), &sealed); err != nil {
		return nil, fmt.Errorf("crypto: decode sealed key: %w", err)
	}
	key, err := v.OpenPrivateKey(Envelope{Ciphertext: sealed.Ciphertext, IV: sealed.IV, Tag: sealed.Tag})
	if err != nil {
		return nil, err
	}
	if sealed.PublicKey != "" && sealed.PublicKey != key.PubKey().String() {
		key.Wipe()
		return nil, errors.New("crypto: sealed key does not match its public key")
	}
	return key, nil
}

// LoadKey accepts either an "ed25519:" encoded key or a SealedKey JSON document.
func (v *Vault) LoadKey(text string) (*PrivateKey, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		return v.OpenSealedKey(trimmed)
	}
	return ParsePrivateKey(trimmed)
}
