package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealedKeyLoads(t *testing.T) {
	vault, err := NewVault([]byte("vault-secret-for-tests"))
	require.NoError(t, err)
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	sealed, err := vault.SealKey(key)
	require.NoError(t, err)
	doc, err := json.Marshal(sealed)
	require.NoError(t, err)
	require.NotContains(t, string(doc), key.String())

	loaded, err := vault.LoadKey(string(doc))
	require.NoError(t, err)
	require.True(t, loaded.PubKey().Equal(key.PubKey()))

	plain, err := vault.LoadKey(key.String())
	require.NoError(t, err)
	require.True(t, plain.PubKey().Equal(key.PubKey()))
}

func TestSealedKeyRejectsWrongVaultAndMismatch(t *testing.T) {
	vault, err := NewVault([]byte("vault-secret-for-tests"))
	require.NoError(t, err)
	other, err := NewVault([]byte("another-secret"))
	require.NoError(t, err)
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	sealed, err := vault.SealKey(key)
	require.NoError(t, err)
	doc, err := json.Marshal(sealed)
	require.NoError(t, err)

	_, err = other.LoadKey(string(doc))
	require.ErrorIs(t, err, ErrDecryption)

	stranger, err := GeneratePrivateKey()
	require.NoError(t, err)
	sealed.PublicKey = stranger.PubKey().String()
	doc, err = json.Marshal(sealed)
	require.NoError(t, err)
	_, err = vault.LoadKey(string(doc))
	require.ErrorContains(t, err, "does not match")
}
