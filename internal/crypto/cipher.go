package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

const (
	// DefaultSaltSize is the salt and iv width of the 256-bit cipher family.
	DefaultSaltSize = 32

	// MinSaltSize is the smallest salt accepted by NewCipher.
	MinSaltSize = 16
)

var (
	// ErrCiphertextTooShort is returned when a blob cannot even hold its salt and iv.
	ErrCiphertextTooShort = errors.New("encrypted data too short")

	// ErrAuthentication is returned when the integrity check of a blob fails,
	// which is what a wrong key looks like.
	ErrAuthentication = errors.New("authentication failed")
)

// Engine seals and opens a payload under key material produced by a KDF.
type Engine interface {
	// Name identifies the engine in logs and backup headers.
	Name() string

	// KeySize is the number of derived key bytes the engine consumes.
	KeySize() int

	// NonceSize is the number of iv bytes the engine consumes. The iv field of
	// a blob is always SaltSize bytes wide; engines read the prefix they need.
	NonceSize() int

	Seal(key, nonce, plaintext []byte) ([]byte, error)
	Open(key, nonce, ciphertext []byte) ([]byte, error)
}

// Cipher encrypts byte slices under an entropy array using a fresh random
// salt and iv per call. Output layout:
//
//	[salt: SaltSize][iv: SaltSize][ciphertext]
type Cipher struct {
	engine   Engine
	kdf      KDF
	saltSize int
}

// NewCipher composes an engine and a key derivation function.
func NewCipher(engine Engine, kdf KDF, saltSize int) (*Cipher, error) {
	if engine == nil {
		return nil, errors.New("cipher engine is required")
	}
	if kdf == nil {
		return nil, errors.New("key derivation function is required")
	}
	if saltSize < MinSaltSize {
		return nil, fmt.Errorf("salt size must be at least %d bytes", MinSaltSize)
	}
	if saltSize < engine.NonceSize() {
		return nil, fmt.Errorf("salt size %d is smaller than the %s nonce size %d",
			saltSize, engine.Name(), engine.NonceSize())
	}

	return &Cipher{
		engine:   engine,
		kdf:      kdf,
		saltSize: saltSize,
	}, nil
}

// DefaultCipher is AES-256-CBC with HMAC-SHA256 under PBKDF2-SHA256.
func DefaultCipher() *Cipher {
	c, err := NewCipher(AESCBC{}, PBKDF2{Iterations: DefaultPBKDF2Iterations}, DefaultSaltSize)
	if err != nil {
		panic(err)
	}
	return c
}

// CipherByName returns the cipher whose engine is called name. The AES
// engine pairs with PBKDF2 and XChaCha20 pairs with Argon2id.
func CipherByName(name string) (*Cipher, error) {
	switch name {
	case "", AESCBC{}.Name():
		return DefaultCipher(), nil
	case XChaCha{}.Name():
		return NewCipher(XChaCha{}, DefaultArgon2id(), DefaultSaltSize)
	default:
		return nil, fmt.Errorf("unknown cipher: %s", name)
	}
}

// SaltSize returns N, the width of both the salt and the iv field.
func (c *Cipher) SaltSize() int {
	return c.saltSize
}

// Engine returns the underlying engine.
func (c *Cipher) Engine() Engine {
	return c.engine
}

// Encrypt derives a key from entropy and a fresh salt, then seals plaintext.
// The plaintext slice is left untouched.
func (c *Cipher) Encrypt(plaintext, entropy []byte) ([]byte, error) {
	if len(entropy) == 0 {
		return nil, errors.New("entropy cannot be empty")
	}

	header := make([]byte, 2*c.saltSize)
	if _, err := rand.Read(header); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := header[:c.saltSize]
	iv := header[c.saltSize:]

	key := c.kdf.Derive(entropy, salt, c.engine.KeySize())
	defer memguard.WipeBytes(key)

	ciphertext, err := c.engine.Seal(key, iv[:c.engine.NonceSize()], plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	result := make([]byte, len(header)+len(ciphertext))
	copy(result, header)
	copy(result[len(header):], ciphertext)

	return result, nil
}

// Decrypt reverses Encrypt. A wrong entropy array yields ErrAuthentication.
func (c *Cipher) Decrypt(blob, entropy []byte) ([]byte, error) {
	if len(blob) < 2*c.saltSize {
		return nil, ErrCiphertextTooShort
	}
	if len(entropy) == 0 {
		return nil, errors.New("entropy cannot be empty")
	}

	salt := blob[:c.saltSize]
	iv := blob[c.saltSize : 2*c.saltSize]
	ciphertext := blob[2*c.saltSize:]

	key := c.kdf.Derive(entropy, salt, c.engine.KeySize())
	defer memguard.WipeBytes(key)

	plaintext, err := c.engine.Open(key, iv[:c.engine.NonceSize()], ciphertext)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}
