package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 4096
	keyLength     = 32
	saltLength    = 16
)

var errCiphertextTooShort = errors.New("ciphertext too short")

// EncryptString encrypts a credential with AES-256-GCM. The key is derived
// from the configured master key and a random per-value salt; salt and
// nonce travel with the ciphertext.
func EncryptString(plaintext string) (string, error) {
	masterKey := GetConfig().ExchangeCRKey

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptString reverses EncryptString.
func DecryptString(encoded string) (string, error) {
	masterKey := GetConfig().ExchangeCRKey

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(payload) < saltLength {
		return "", errCiphertextTooShort
	}

	salt := payload[:saltLength]
	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	rest := payload[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return "", errCiphertextTooShort
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting credential: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(masterKey string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(masterKey), salt, keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}
