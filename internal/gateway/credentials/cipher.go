package credentials

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
)

var errBadPadding = errors.New("invalid padding")

// Cipher encrypts provider credentials with AES-256-CBC and a fixed IV,
// hex-encoding the ciphertext. The empty string maps to itself in both
// directions and means "no credential configured".
type Cipher struct {
	block cipher.Block
	iv    []byte
}

// NewCipher builds a Cipher from a 32-byte key and a 16-byte IV.
func NewCipher(key, iv []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("encryption IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Cipher{block: block, iv: append([]byte(nil), iv...)}, nil
}

// Encrypt returns the hex ciphertext of plaintext.
func (c *Cipher) Encrypt(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return hex.EncodeToString(out)
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext is not a whole number of blocks")
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, raw)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plain), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, errBadPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
