package keyvault

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
)

func newVault(t *testing.T, fill byte) *Vault {
	t.Helper()
	v, err := New(bytes.Repeat([]byte{fill}, SecretLength))
	require.NoError(t, err)
	return v
}

func TestNewRejectsWrongSecretLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := New(make([]byte, n))
		assert.ErrorIs(t, err, errs.ErrConfiguration, "length %d", n)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := newVault(t, 0x01)
	plaintext := []byte("0x4c0883a69102937d6231471b5dbb6204fe512961708279f3c1d2f1b6b0d4c3a1")

	first, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	second, err := v.Encrypt(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	for _, ciphertext := range []string{first, second} {
		got, err := v.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestDecryptUnderOtherSecretFails(t *testing.T) {
	ciphertext, err := newVault(t, 0x01).Encrypt([]byte("secret key material"))
	require.NoError(t, err)

	got, err := newVault(t, 0x02).Decrypt(ciphertext)
	assert.ErrorIs(t, err, errs.ErrDecryption)
	assert.NotErrorIs(t, err, errs.ErrNotFound)
	assert.Nil(t, got)
}

func TestDecryptMalformedInput(t *testing.T) {
	v := newVault(t, 0x01)
	ciphertext, err := v.Encrypt([]byte("secret key material"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":      "",
		"not base64": "!!!not-base64!!!",
		"truncated":  ciphertext[:20],
		"tampered":   ciphertext[:len(ciphertext)-2] + flip(ciphertext[len(ciphertext)-2:]),
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decrypt(input)
			assert.ErrorIs(t, err, errs.ErrDecryption)
		})
	}
}

func TestGenerateAccountRoundTrip(t *testing.T) {
	v := newVault(t, 0x07)

	address, sealed, err := v.GenerateAccount()
	require.NoError(t, err)
	assert.NotContains(t, sealed, address.Hex())

	key, err := v.DecryptKey(sealed)
	require.NoError(t, err)
	assert.Equal(t, address, crypto.PubkeyToAddress(key.PublicKey))

	WipeKey(key)
	assert.Zero(t, key.D.Sign())
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}

func flip(s string) string {
	if s[0] == 'A' {
		return "B" + s[1:]
	}
	return "A" + s[1:]
}
