// Package keyvault encrypts custodial private keys at rest.
//
// Ciphertexts are base64url(nonce || sealed) under XChaCha20-Poly1305 with a fresh
// random nonce per call. Plaintext keys are returned to the caller only and never logged.
package keyvault

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
)

// SecretLength is the required length of the process-wide secret.
const SecretLength = chacha20poly1305.KeySize

var encoding = base64.RawURLEncoding

type Vault struct {
	secret []byte
}

// New fails with a CONFIGURATION error unless secret is exactly SecretLength bytes.
func New(secret []byte) (*Vault, error) {
	if len(secret) != SecretLength {
		return nil, errs.Newf(errs.KindConfiguration, "encryption secret must be exactly %d bytes, got %d", SecretLength, len(secret))
	}
	s := make([]byte, SecretLength)
	copy(s, secret)
	return &Vault{secret: s}, nil
}

func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.secret)
	if err != nil {
		return "", errs.Wrap(err, errs.KindConfiguration, "init cipher")
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errs.Wrap(err, errs.KindConfiguration, "read nonce")
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return encoding.EncodeToString(sealed), nil
}

// Decrypt fails with a DECRYPTION error when the ciphertext is malformed, truncated,
// or sealed under another secret.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.secret)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindConfiguration, "init cipher")
	}

	raw, err := encoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindDecryption, "malformed ciphertext")
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, errs.New(errs.KindDecryption, "truncated ciphertext")
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindDecryption, "authentication failed")
	}
	return plaintext, nil
}

// DecryptKey decrypts and parses a secp256k1 private key.
func (v *Vault) DecryptKey(ciphertext string) (*ecdsa.PrivateKey, error) {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	defer Wipe(plaintext)

	key, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindDecryption, "decrypted payload is not a private key")
	}
	return key, nil
}

// GenerateAccount creates a fresh key pair and returns its address and sealed key.
func (v *Vault) GenerateAccount() (common.Address, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, "", errs.Wrap(err, errs.KindConfiguration, "generate key")
	}
	defer WipeKey(key)

	raw := crypto.FromECDSA(key)
	defer Wipe(raw)

	sealed, err := v.Encrypt(raw)
	if err != nil {
		return common.Address{}, "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey), sealed, nil
}

func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipeKey zeroes the private scalar of key.
func WipeKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	key.D.SetInt64(0)
}
