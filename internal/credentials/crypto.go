package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

const algorithmAESGCM = "aes-256-gcm"

// Envelope is an encrypted credential set as persisted. The nonce is
// prepended to the ciphertext; algorithm and key id are recorded so key
// rotation can tell old envelopes apart.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
	NonceSize  int    `json:"nonce_size"`
	Ciphertext string `json:"ciphertext"` // base64(nonce || ciphertext)
}

// encrypt seals plaintext with AES-256-GCM under the given 32-byte key.
func encrypt(plaintext, key []byte, keyID string) (Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return Envelope{
		Algorithm:  algorithmAESGCM,
		KeyID:      keyID,
		NonceSize:  gcm.NonceSize(),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// decrypt opens an envelope with the given key.
func decrypt(env Envelope, key []byte) ([]byte, error) {
	if env.Algorithm != algorithmAESGCM {
		return nil, fmt.Errorf("unsupported algorithm %q", env.Algorithm)
	}

	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong key or tampered data)")
	}

	return plaintext, nil
}

// ParseKey accepts a 32-byte raw key or its 64-char hex encoding.
func ParseKey(s string) ([]byte, error) {
	if len(s) == 64 {
		key, err := hex.DecodeString(s)
		if err == nil {
			return key, nil
		}
	}
	if len(s) == 32 {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes (raw or hex-encoded), got %d chars", len(s))
}

// Redact shortens a token for logging. Plaintext token values must never be
// logged in full.
func Redact(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:8] + "…"
}
