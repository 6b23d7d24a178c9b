package lgpd

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

const ciphertextPrefix = "enc:v1:"

// Encryptor applies AES-256-GCM field encryption to personal identifiers such
// as CPF numbers. A disabled Encryptor passes values through unchanged, which
// is only permitted outside production.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a 32-byte key. A nil key disables
// encryption.
func NewEncryptor(key []byte, logger zerolog.Logger) (*Encryptor, error) {
	if key == nil {
		logger.Warn().Msg("personal data encryption disabled: LGPD_ENCRYPTION_KEY is not set")
		return &Encryptor{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("lgpd encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("lgpd encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("lgpd encryptor: create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

func (e *Encryptor) Enabled() bool {
	return e != nil && e.aead != nil
}

// Encrypt returns a prefixed base64 ciphertext with the nonce prepended.
// Empty strings are stored as-is.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.Enabled() || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("lgpd encrypt: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the ciphertext prefix were stored
// before encryption was enabled and are returned unchanged.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, ciphertextPrefix) {
		return value, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("lgpd decrypt: value is encrypted but no key is configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, ciphertextPrefix))
	if err != nil {
		return "", fmt.Errorf("lgpd decrypt: base64 decode: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("lgpd decrypt: ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("lgpd decrypt: %w", err)
	}
	return string(plaintext), nil
}

// MaskDocument keeps the last two digits of a CPF-like identifier.
func MaskDocument(doc string) string {
	digits := make([]rune, 0, len(doc))
	for _, r := range doc {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 2 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-2) + string(digits[len(digits)-2:])
}
