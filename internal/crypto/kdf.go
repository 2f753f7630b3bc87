package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/walletguard/internal/misc"
)

// DefaultPBKDF2Iterations matches the passphrase backup parameters.
const DefaultPBKDF2Iterations = 100000

// KDF turns an entropy array and a salt into key material. Same inputs must
// always produce the same key.
type KDF interface {
	Derive(entropy, salt []byte, keyLen int) []byte
}

// PBKDF2 is PBKDF2-HMAC-SHA256 with a fixed iteration count.
type PBKDF2 struct {
	Iterations int
}

func (p PBKDF2) Derive(entropy, salt []byte, keyLen int) []byte {
	iterations := p.Iterations
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	return pbkdf2.Key(entropy, salt, iterations, keyLen, sha256.New)
}

// Argon2id is the memory-hard KDF used for user passwords guarding wallet seeds.
type Argon2id struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultArgon2id returns the Argon2id parameters paired with XChaCha20.
func DefaultArgon2id() Argon2id {
	return Argon2id{
		Time:    misc.ArgonTime,
		Memory:  misc.ArgonMemory,
		Threads: misc.ArgonThreads,
	}
}

func (a Argon2id) Derive(entropy, salt []byte, keyLen int) []byte {
	p := a
	if p.Time == 0 {
		p.Time = misc.ArgonTime
	}
	if p.Memory == 0 {
		p.Memory = misc.ArgonMemory
	}
	if p.Threads == 0 {
		p.Threads = misc.ArgonThreads
	}
	return argon2.IDKey(entropy, salt, p.Time, p.Memory, p.Threads, uint32(keyLen))
}
