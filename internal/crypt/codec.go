// Package crypt implements the encrypted weight-artifact envelope.
//
// Envelope layout:
//
//	[4 bytes: magic "PMW1"]
//	[12 bytes: GCM nonce]
//	[remainder: AES-256-GCM ciphertext + auth tag]
//
// The artifact is sealed with AES-256-GCM under a key derived from the
// user-supplied key string, so a wrong key or a tampered blob always fails
// authentication instead of decoding to garbage. Plaintext only ever exists
// in memory; nothing here touches the filesystem.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Magic identifies an encrypted weight artifact.
const Magic = "PMW1"

const nonceSize = 12

// ErrDecryption reports a malformed envelope, a wrong key, or a failed
// integrity check. The causes are deliberately not distinguished.
var ErrDecryption = errors.New("artifact decryption failed")

// IsEncrypted reports whether blob carries the encrypted-envelope magic.
func IsEncrypted(blob []byte) bool {
	return len(blob) >= len(Magic) && string(blob[:len(Magic)]) == Magic
}

// deriveKey stretches an arbitrary key string into an AES-256 key.
func deriveKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// Encrypt seals plaintext into the envelope under key.
func Encrypt(key string, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(Magic)+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, Magic...)
	out = append(out, nonce...)
	// The magic is authenticated as additional data so it cannot be spliced
	// onto a foreign ciphertext.
	out = gcm.Seal(out, nonce, plaintext, []byte(Magic))
	return out, nil
}

// Decrypt opens an envelope produced by Encrypt. It fails with ErrDecryption
// on a malformed header, a wrong key, or an integrity mismatch; it never
// returns unauthenticated bytes. The caller owns the returned plaintext and
// is responsible for zeroing it once consumed.
func Decrypt(key string, blob []byte) ([]byte, error) {
	if !IsEncrypted(blob) {
		return nil, fmt.Errorf("%w: missing envelope magic", ErrDecryption)
	}
	rest := blob[len(Magic):]
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("%w: truncated header", ErrDecryption)
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(Magic))
	if err != nil {
		return nil, fmt.Errorf("%w: integrity check", ErrDecryption)
	}
	return plaintext, nil
}

// Zero overwrites buf so decrypted weight bytes do not linger after the
// backend loader has consumed them.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
