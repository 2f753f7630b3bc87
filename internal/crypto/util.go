package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

var passphraseCipher = func() *Cipher {
	c, err := NewCipher(XChaCha{}, PBKDF2{Iterations: DefaultPBKDF2Iterations}, DefaultSaltSize)
	if err != nil {
		panic(err)
	}
	return c
}()

// EncryptWithPassphrase encrypts data using a passphrase with PBKDF2 + XChaCha20-Poly1305
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	return passphraseCipher.Encrypt(data, []byte(passphrase))
}

// DecryptWithPassphrase decrypts data using a passphrase
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	plaintext, err := passphraseCipher.Decrypt(encryptedData, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakSeed rejects seeds that are too short or carry obviously low entropy.
func IsWeakSeed(seed []byte) bool {
	if len(seed) < 16 {
		return true
	}

	firstByte := seed[0]
	allSame := true
	for _, b := range seed[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]struct{})
	for _, b := range seed {
		uniqueBytes[b] = struct{}{}
	}

	return len(uniqueBytes) < len(seed)/4
}
