// Package encryption provides at-rest encryption for index documents.
// Records on disk mirror what clients sent; the index documents aggregate
// every user's layout in one place, so they get the protection.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Method enumerates supported algorithms.
type Method string

const (
	// MethodNone skips encryption entirely.
	MethodNone Method = "none"
	// MethodAES256CTR encrypts using AES-256 in CTR mode with a random IV
	// prefix.
	MethodAES256CTR Method = "aes-256-ctr"
)

// Options describes how to encrypt or decrypt documents.
type Options struct {
	Method Method
	Key    []byte
}

// Enabled reports whether encryption should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256CTR:
		if len(o.Key) != 32 {
			return fmt.Errorf("encryption: aes-256-ctr requires 32-byte key, got %d", len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// ParseKey decodes a hex-encoded 32-byte key, as carried in config.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption: key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption: key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Encrypt returns data encrypted according to opts, IV header included.
func Encrypt(data []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return data, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(iv)+len(data))
	copy(out, iv)
	stream.XORKeyStream(out[len(iv):], data)
	return out, nil
}

// Decrypt reverses Encrypt using opts.
func Decrypt(ciphertext []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return ciphertext, nil
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, errors.New("encryption: ciphertext missing IV")
	}
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	iv := ciphertext[:aes.BlockSize]
	out := make([]byte, len(ciphertext)-aes.BlockSize)
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out, ciphertext[aes.BlockSize:])
	return out, nil
}
