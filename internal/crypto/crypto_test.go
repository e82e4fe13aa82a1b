package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	kek := DeriveVolumeKey("password")

	key, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(kek, key)
	require.NoError(t, err)

	unwrapped, err := UnwrapKey(kek, wrapped)
	require.NoError(t, err)

	assert.Equal(t, key.Key, unwrapped.Key)
	assert.Equal(t, key.IV, unwrapped.IV)
}

func TestUnwrapWithWrongKeyYieldsGarbage(t *testing.T) {
	kek := DeriveVolumeKey("password")
	other := DeriveVolumeKey("not the password")

	key, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(kek, key)
	require.NoError(t, err)

	unwrapped, err := UnwrapKey(other, wrapped)
	require.NoError(t, err)
	assert.NotEqual(t, key.Key, unwrapped.Key)
}

func TestDeriveVolumeKeyDeterministic(t *testing.T) {
	assert.Equal(t, DeriveVolumeKey("pw"), DeriveVolumeKey("pw"))
	assert.NotEqual(t, DeriveVolumeKey("pw"), DeriveVolumeKey("pw2"))
	assert.Len(t, DeriveVolumeKey("pw"), KeyLen)
}

func tempFile(t *testing.T, name string, content []byte) *os.File {
	t.Helper()

	f, err := os.Create(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	_, err = f.Write(content)
	require.NoError(t, err)

	return f
}

func TestCryptFileIsAnInvolution(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	plaintext := []byte("some plaintext longer than one aes block to exercise the stream")

	src := tempFile(t, "src", plaintext)
	enc := tempFile(t, "enc", nil)
	dec := tempFile(t, "dec", nil)

	require.NoError(t, CryptFile(key, src, enc))

	ciphertext, err := os.ReadFile(enc.Name())
	require.NoError(t, err)
	assert.Len(t, ciphertext, len(plaintext))
	assert.NotEqual(t, plaintext, ciphertext)

	require.NoError(t, CryptFile(key, enc, dec))

	decrypted, err := os.ReadFile(dec.Name())
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestNewCTRRejectsBadKey(t *testing.T) {
	_, err := NewSymmetricKey(make([]byte, 16), make([]byte, IVLen))
	assert.Error(t, err)

	_, err = NewSymmetricKey(make([]byte, KeyLen), make([]byte, 16))
	assert.Error(t, err)
}
