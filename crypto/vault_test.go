package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	vault, err := NewVault([]byte("vault-secret-for-tests"))
	require.NoError(t, err)

	env, err := vault.Encrypt([]byte("hello custody"))
	require.NoError(t, err)
	require.Len(t, env.IV, 12)
	require.Len(t, env.Tag, 16)
	require.Len(t, env.Ciphertext, len("hello custody"))

	plain, err := vault.Decrypt(env)
	require.NoError(t, err)
	require.Equal(t, "hello custody", string(plain))
}

func TestVaultUsesFreshIV(t *testing.T) {
	vault, err := NewVault([]byte("vault-secret-for-tests"))
	require.NoError(t, err)
	a, err := vault.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := vault.Encrypt([]byte("same"))
	require.NoError(t, err)
	require.False(t, bytes.Equal(a.IV, b.IV))
}

func TestVaultFailsClosed(t *testing.T) {
	vault, err := NewVault([]byte("vault-secret-for-tests"))
	require.NoError(t, err)
	env, err := vault.Encrypt([]byte("payload"))
	require.NoError(t, err)

	tampered := Envelope{Ciphertext: append([]byte(nil), env.Ciphertext...), IV: env.IV, Tag: env.Tag}
	tampered.Ciphertext[0] ^= 0xff
	plain, err := vault.Decrypt(tampered)
	require.ErrorIs(t, err, ErrDecryption)
	require.Nil(t, plain)

	badTag := Envelope{Ciphertext: env.Ciphertext, IV: env.IV, Tag: append([]byte(nil), env.Tag...)}
	badTag.Tag[15] ^= 0x01
	_, err = vault.Decrypt(badTag)
	require.ErrorIs(t, err, ErrDecryption)

	_, err = vault.Decrypt(Envelope{Ciphertext: env.Ciphertext, IV: env.IV[:8], Tag: env.Tag})
	require.ErrorIs(t, err, ErrDecryption)

	other, err := NewVault([]byte("a-different-secret"))
	require.NoError(t, err)
	_, err = other.Decrypt(env)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestSealAndOpenPrivateKey(t *testing.T) {
	vault, err := NewVault([]byte("vault-secret-for-tests"))
	require.NoError(t, err)
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	env, err := vault.SealPrivateKey(key)
	require.NoError(t, err)
	opened, err := vault.OpenPrivateKey(env)
	require.NoError(t, err)
	require.True(t, opened.PubKey().Equal(key.PubKey()))

	opened.Wipe()
	require.Equal(t, make([]byte, 64), []byte(opened.key))
}

func TestKeyTextEncoding(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(key.String())
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), parsed.Bytes())

	pub, err := ParsePublicKey(key.PubKey().String())
	require.NoError(t, err)
	require.True(t, pub.Equal(key.PubKey()))

	msg := []byte("transfer")
	require.True(t, pub.Verify(msg, key.Sign(msg)))

	_, err = ParsePublicKey("secp256k1:abc")
	require.Error(t, err)
	_, err = PrivateKeyFromBytes(make([]byte, 10))
	require.Error(t, err)
}
