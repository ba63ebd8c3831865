package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32
const nonceSize = 24

// GenerateKey returns a fresh 32-byte secretbox key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with the given key and returns a base64
// encoding of nonce||ciphertext.
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) != keySize {
		return "", fmt.Errorf("secret key must be %d bytes, got %d", keySize, len(key))
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	var k [keySize]byte
	copy(k[:], key)

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &k)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails if the ciphertext was tampered with
// or sealed under a different key.
func Decrypt(encoded string, key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", keySize, len(key))
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	var k [keySize]byte
	copy(k[:], key)

	plaintext, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &k)
	if !ok {
		return nil, fmt.Errorf("decrypt: ciphertext rejected")
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
