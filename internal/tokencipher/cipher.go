// Package tokencipher provides authenticated encryption for calendar
// credentials at rest. The cipher key is derived once from the configured
// secret; every encryption uses a fresh random nonce.
package tokencipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/gatherhub/calsync/domain"
	calerrors "github.com/gatherhub/calsync/errors"
)

// kdfSalt is a fixed application-level salt. The secret is the only input
// that varies between deployments; the salt just domain-separates this key
// from any other use of the same secret.
var kdfSalt = []byte("calsync/credential-cipher/v1")

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

// Cipher seals and opens CalendarCredentials with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the cipher key from secret via scrypt and prepares the AEAD.
// An empty secret is a configuration failure, not a runtime one.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, calerrors.ErrKeyNotConfigured
	}
	key, err := scrypt.Key([]byte(secret), kdfSalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, calerrors.Wrap(calerrors.ErrKeyNotConfigured, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, calerrors.Wrap(calerrors.ErrKeyNotConfigured, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, calerrors.Wrap(calerrors.ErrKeyNotConfigured, err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt serializes and seals the credentials under a fresh random nonce.
func (c *Cipher) Encrypt(creds *domain.CalendarCredentials) (domain.EncryptedCredentialBlob, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return domain.EncryptedCredentialBlob{}, err
	}

	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return domain.EncryptedCredentialBlob{}, err
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - c.aead.Overhead()
	return domain.EncryptedCredentialBlob{
		IV:         iv,
		Ciphertext: sealed[:tagStart],
		AuthTag:    sealed[tagStart:],
	}, nil
}

// Decrypt opens a stored blob. Any tag mismatch, whether from tampering,
// corruption, or a rotated key, surfaces as a decryption flow error and
// never as partially recovered plaintext.
func (c *Cipher) Decrypt(blob domain.EncryptedCredentialBlob) (*domain.CalendarCredentials, error) {
	if len(blob.IV) != c.aead.NonceSize() {
		return nil, calerrors.New(calerrors.CodeDecryptionFailed, "stored blob has invalid nonce length")
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+len(blob.AuthTag))
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.AuthTag...)

	plaintext, err := c.aead.Open(nil, blob.IV, sealed, nil)
	if err != nil {
		return nil, calerrors.Wrap(calerrors.ErrDecryptionFailed, err)
	}

	var creds domain.CalendarCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, calerrors.Wrap(calerrors.ErrDecryptionFailed, err)
	}
	return &creds, nil
}
