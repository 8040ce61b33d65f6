// Package crypto provides AEAD encryption for credential blobs.
// AES-256-GCM is used; ciphertext is stored base64-encoded with a key
// version prefix so keys may rotate.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CurrentKeyVersion is the version prefix written on new ciphertexts.
const CurrentKeyVersion = "v1"

var (
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes, base64-encoded")
	ErrMalformedBlob     = errors.New("malformed encrypted blob")
	ErrUnknownKeyVersion = errors.New("unknown key version")
)

// Cipher encrypts and decrypts credential blobs. Keys are held per version;
// new writes always use CurrentKeyVersion.
type Cipher struct {
	aeads map[string]cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key.
func NewCipher(b64Key string) (*Cipher, error) {
	c := &Cipher{aeads: make(map[string]cipher.AEAD)}
	if err := c.addKey(CurrentKeyVersion, b64Key); err != nil {
		return nil, err
	}
	return c, nil
}

// WithRetiredKey registers an old key under a retired version so existing
// blobs stay readable after rotation.
func (c *Cipher) WithRetiredKey(version, b64Key string) (*Cipher, error) {
	if err := c.addKey(version, b64Key); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cipher) addKey(version, b64Key string) error {
	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil || len(key) != 32 {
		return ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("init gcm: %w", err)
	}
	c.aeads[version] = aead
	return nil
}

// Encrypt seals plaintext and returns "vN:<base64(nonce|ciphertext)>".
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	aead := c.aeads[CurrentKeyVersion]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return CurrentKeyVersion + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt, selecting the key by its
// version prefix.
func (c *Cipher) Decrypt(blob string) ([]byte, error) {
	version, encoded, ok := strings.Cut(blob, ":")
	if !ok {
		return nil, ErrMalformedBlob
	}
	aead, ok := c.aeads[version]
	if !ok {
		return nil, ErrUnknownKeyVersion
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformedBlob
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrMalformedBlob
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Deliberately generic: never echo key material or ciphertext.
		return nil, fmt.Errorf("decrypt blob: authentication failed")
	}
	return plaintext, nil
}
