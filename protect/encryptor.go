package protect

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/identity"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/internal/mem"
)

// ErrDecryption is the only error a caller sees when protected data cannot be
// recovered. Wrong keys, corrupted blobs and refused caller chains all map to
// it.
var ErrDecryption = errors.New("unable to decrypt protected data")

// Policy decides what backs the key of an Encryptor.
type Policy struct {
	// BindToProcess mixes the process identity into the key. Ciphertext
	// then becomes unreadable once the process exits.
	BindToProcess bool
}

var (
	// Ephemeral is the policy for secrets that only live in this process.
	Ephemeral = Policy{BindToProcess: true}

	// Eternal is the policy for secrets that must survive restarts.
	Eternal = Policy{BindToProcess: false}
)

func (p Policy) String() string {
	if p.BindToProcess {
		return "ephemeral"
	}
	return "eternal"
}

// Config assembles an Encryptor.
type Config struct {
	// Gate guards Decrypt. Required.
	Gate *gate.Gate

	// Cipher defaults to crypto.DefaultCipher().
	Cipher *crypto.Cipher

	// Identity defaults to identity.Current().
	Identity *identity.Identity

	// ExtraEntropy is copied; the caller keeps ownership of its slice.
	ExtraEntropy []byte

	Policy Policy

	// Protector defaults to mem.Platform().
	Protector mem.Protector
}

// Encryptor composes a cipher, a process identity policy and an optional OS
// protection layer.
type Encryptor struct {
	policy    Policy
	cipher    *crypto.Cipher
	entropy   *memguard.Enclave
	protector mem.Protector
	gate      *gate.Gate
}

// New builds an Encryptor from cfg.
func New(cfg Config) (*Encryptor, error) {
	if cfg.Gate == nil {
		return nil, errors.New("gate is required")
	}
	if !cfg.Policy.BindToProcess && len(cfg.ExtraEntropy) == 0 {
		return nil, errors.New("eternal encryptors need extra entropy")
	}

	c := cfg.Cipher
	if c == nil {
		c = crypto.DefaultCipher()
	}

	id := identity.Current()
	if cfg.Identity != nil {
		id = *cfg.Identity
	}

	protector := cfg.Protector
	if protector == nil {
		protector = mem.Platform()
	}

	// NewEnclave wipes the derived entropy slice
	entropy := memguard.NewEnclave(id.Entropy(cfg.ExtraEntropy, cfg.Policy.BindToProcess))
	if entropy == nil {
		return nil, errors.New("failed to seal encryptor entropy")
	}

	log.Debugf("Created %s encryptor (cipher=%s, os_protection=%s)",
		cfg.Policy, c.Engine().Name(), protector.Name())

	return &Encryptor{
		policy:    cfg.Policy,
		cipher:    c,
		entropy:   entropy,
		protector: protector,
		gate:      cfg.Gate,
	}, nil
}

// NewEphemeral returns a process-bound encryptor for in-memory secrets.
func NewEphemeral(gt *gate.Gate, extra []byte) (*Encryptor, error) {
	return New(Config{Gate: gt, ExtraEntropy: extra, Policy: Ephemeral})
}

// NewEternal returns an encryptor whose ciphertext survives restarts.
func NewEternal(gt *gate.Gate, extra []byte) (*Encryptor, error) {
	return New(Config{Gate: gt, ExtraEntropy: extra, Policy: Eternal})
}

// Policy returns the key policy of e.
func (e *Encryptor) Policy() Policy {
	return e.policy
}

// Gate returns the gate guarding e.
func (e *Encryptor) Gate() *gate.Gate {
	return e.gate
}

// Encrypt seals plaintext. plaintext is not modified.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	entropy, err := e.entropy.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open encryptor entropy: %w", err)
	}
	defer entropy.Destroy()

	ciphertext, err := e.cipher.Encrypt(plaintext, entropy.Bytes())
	if err != nil {
		return nil, err
	}

	if !e.protector.Available() {
		return ciphertext, nil
	}

	wrapped, err := e.protector.Protect(ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s protection: %w", e.protector.Name(), err)
	}
	return wrapped, nil
}

// Decrypt recovers plaintext for a granted token. Every failure returns
// ErrDecryption; the cause is only logged at debug level.
func (e *Encryptor) Decrypt(tok gate.Token, blob []byte) ([]byte, error) {
	if err := e.gate.Check(tok); err != nil {
		log.Debugf("%s decrypt refused: %v", e.policy, err)
		return nil, ErrDecryption
	}

	ciphertext := blob
	if e.protector.Available() {
		unwrapped, err := e.protector.Unprotect(blob, nil)
		if err != nil {
			log.Debugf("%s decrypt failed in %s layer: %v", e.policy, e.protector.Name(), err)
			return nil, ErrDecryption
		}
		ciphertext = unwrapped
	}

	entropy, err := e.entropy.Open()
	if err != nil {
		log.Debugf("%s decrypt failed to open entropy: %v", e.policy, err)
		return nil, ErrDecryption
	}
	defer entropy.Destroy()

	plaintext, err := e.cipher.Decrypt(ciphertext, entropy.Bytes())
	if err != nil {
		log.Debugf("%s decrypt failed: %v", e.policy, err)
		return nil, ErrDecryption
	}

	return plaintext, nil
}
