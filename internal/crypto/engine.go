package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

const macSize = sha256.Size

// AESCBC is AES-256 in CBC mode with PKCS#7 padding. The ciphertext is
// authenticated with HMAC-SHA256 over iv||ciphertext and the tag is appended,
// which keeps the ciphertext section block aligned.
type AESCBC struct{}

func (AESCBC) Name() string { return "aes-256-cbc-hmac-sha256" }

// KeySize is 32 bytes of encryption key followed by 32 bytes of MAC key.
func (AESCBC) KeySize() int { return 32 + macSize }

func (AESCBC) NonceSize() int { return aes.BlockSize }

func (AESCBC) Seal(key, nonce, plaintext []byte) ([]byte, error) {
	encKey, macKey := key[:32], key[32:]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// padded holds plaintext until CryptBlocks overwrites it in place
	padded := Pad(plaintext, aes.BlockSize)
	cipher.NewCBCEncrypter(block, nonce).CryptBlocks(padded, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(nonce)
	mac.Write(padded)

	return mac.Sum(padded), nil
}

func (AESCBC) Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aes.BlockSize+macSize {
		return nil, ErrCiphertextTooShort
	}
	body := ciphertext[:len(ciphertext)-macSize]
	tag := ciphertext[len(ciphertext)-macSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not block aligned")
	}

	encKey, macKey := key[:32], key[32:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(nonce)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrAuthentication
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, nonce).CryptBlocks(plain, body)

	unpadded, err := Unpad(plain, aes.BlockSize)
	if err != nil {
		memguard.WipeBytes(plain)
		return nil, err
	}

	// wipe the padding tail so only the returned slice carries data
	memguard.WipeBytes(plain[len(unpadded):])
	return unpadded, nil
}

// XChaCha is XChaCha20-Poly1305. It needs no padding.
type XChaCha struct{}

func (XChaCha) Name() string { return "xchacha20-poly1305" }

func (XChaCha) KeySize() int { return chacha20poly1305.KeySize }

func (XChaCha) NonceSize() int { return chacha20poly1305.NonceSizeX }

func (XChaCha) Seal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (XChaCha) Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
