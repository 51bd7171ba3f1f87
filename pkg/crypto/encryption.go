// Package crypto seals exchange API credentials before they reach the
// credentials table. Ciphertexts carry a key version prefix so the
// master key can rotate without re-encrypting every stored row at once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens credential fields with AES-256-GCM under a
// single key version. Stored values look like ENC[vN]:base64(nonce+sealed);
// the prefix routes decryption to the right key when keys rotate.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor builds an Encryptor for one key version. The AEAD is
// constructed once here; per-field calls only pay for the seal itself.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Encrypt seals one credential field. The random nonce is prepended to
// the sealed bytes, so the same API key encrypts to a different value
// every time.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", e.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a field sealed under this encryptor's key. The version
// prefix is validated but not matched against e.version; the KeyManager
// routes ciphertexts to the right key before calling here.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	_, encoded, err := splitCiphertext(ciphertext)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(raw) <= ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Version returns the key version new ciphertexts are stamped with.
func (e *Encryptor) Version() int { return e.version }

// ParseVersion reads the key version from a stored ciphertext. 0 means
// the value is not in the sealed format.
func ParseVersion(ciphertext string) int {
	v, _, err := splitCiphertext(ciphertext)
	if err != nil {
		return 0
	}
	return v
}

// splitCiphertext takes an ENC[vN]:data value apart.
func splitCiphertext(s string) (version int, encoded string, err error) {
	rest, ok := strings.CutPrefix(s, "ENC[v")
	if !ok {
		return 0, "", ErrInvalidCiphertext
	}
	head, encoded, ok := strings.Cut(rest, "]:")
	if !ok {
		return 0, "", ErrInvalidCiphertext
	}
	v, convErr := strconv.Atoi(head)
	if convErr != nil || v <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return v, encoded, nil
}
