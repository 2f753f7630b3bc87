package protect

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"southwinds.dev/walletguard/gate"
)

var errDestroyed = errors.New("protected value destroyed")

// Value holds a secret of type T as ciphertext only. Plaintext exists solely
// inside a Secret returned by Reveal, for as long as that Secret stays open.
type Value[T any] struct {
	mu         sync.RWMutex
	enc        *Encryptor
	codec      Codec[T]
	ciphertext []byte
}

// Protect encodes value, encrypts it with enc and discards the encoding.
func Protect[T any](enc *Encryptor, codec Codec[T], value T) (*Value[T], error) {
	if enc == nil || codec == nil {
		return nil, errors.New("encryptor and codec are required")
	}

	plaintext, err := codec.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s value: %w", codec.Name(), err)
	}
	defer memguard.WipeBytes(plaintext)

	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to protect %s value: %w", codec.Name(), err)
	}

	return &Value[T]{enc: enc, codec: codec, ciphertext: ciphertext}, nil
}

// ProtectBytes protects b and wipes it. The caller must not use b afterwards.
func ProtectBytes(enc *Encryptor, b []byte) (*Value[[]byte], error) {
	defer memguard.WipeBytes(b)
	return Protect(enc, Bytes, b)
}

// Import wraps ciphertext previously obtained from Export. The blob is copied.
func Import[T any](enc *Encryptor, codec Codec[T], blob []byte) (*Value[T], error) {
	if enc == nil || codec == nil {
		return nil, errors.New("encryptor and codec are required")
	}
	if len(blob) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	ciphertext := make([]byte, len(blob))
	copy(ciphertext, blob)
	return &Value[T]{enc: enc, codec: codec, ciphertext: ciphertext}, nil
}

// Export returns a copy of the ciphertext, suitable for persisting when the
// encryptor is eternal.
func (v *Value[T]) Export() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.ciphertext == nil {
		return nil
	}
	out := make([]byte, len(v.ciphertext))
	copy(out, v.ciphertext)
	return out
}

// Reveal decrypts the value for a granted token. The caller owns the returned
// Secret and must Close it. Any failure is ErrDecryption.
func (v *Value[T]) Reveal(tok gate.Token) (*Secret[T], error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.ciphertext == nil {
		log.Debugf("Reveal of %s value failed: %v", v.codec.Name(), errDestroyed)
		return nil, ErrDecryption
	}

	plaintext, err := v.enc.Decrypt(tok, v.ciphertext)
	if err != nil {
		return nil, err
	}

	return &Secret[T]{codec: v.codec, buf: plaintext}, nil
}

// Use reveals the value, hands the decoded plaintext to fn and closes the
// secret once fn returns or panics. fn must not retain its argument.
func (v *Value[T]) Use(tok gate.Token, fn func(T) error) error {
	secret, err := v.Reveal(tok)
	if err != nil {
		return err
	}
	defer secret.Close()

	value, err := secret.Value()
	if err != nil {
		return err
	}
	return fn(value)
}

// UseBytes is Use over the raw plaintext bytes.
func (v *Value[T]) UseBytes(tok gate.Token, fn func([]byte) error) error {
	secret, err := v.Reveal(tok)
	if err != nil {
		return err
	}
	defer secret.Close()

	return fn(secret.Bytes())
}

// Replace re-encrypts the value with a new plaintext. The token must be
// granted, so only a trusted chain can overwrite a secret.
func (v *Value[T]) Replace(tok gate.Token, value T) error {
	if err := v.enc.Gate().Check(tok); err != nil {
		log.Debugf("Replace of %s value refused: %v", v.codec.Name(), err)
		return ErrDecryption
	}

	plaintext, err := v.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s value: %w", v.codec.Name(), err)
	}
	defer memguard.WipeBytes(plaintext)

	ciphertext, err := v.enc.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to protect %s value: %w", v.codec.Name(), err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	memguard.WipeBytes(v.ciphertext)
	v.ciphertext = ciphertext
	return nil
}

// Fingerprint returns a hash of the plaintext, or 0 when the token is denied
// or the value cannot be decrypted.
func (v *Value[T]) Fingerprint(tok gate.Token) uint64 {
	return gate.Guard(v.enc.Gate(), tok, func() uint64 {
		var fp uint64
		_ = v.UseBytes(tok, func(b []byte) error {
			sum := sha256.Sum256(b)
			fp = binary.BigEndian.Uint64(sum[:8])
			memguard.WipeBytes(sum[:])
			return nil
		})
		return fp
	})
}

// Destroy wipes the ciphertext. Later reveals fail.
func (v *Value[T]) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()

	memguard.WipeBytes(v.ciphertext)
	v.ciphertext = nil
}

// Destroyed reports whether Destroy was called.
func (v *Value[T]) Destroyed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ciphertext == nil
}

// Policy returns the key policy the value was encrypted under.
func (v *Value[T]) Policy() Policy {
	return v.enc.Policy()
}

func (v *Value[T]) String() string {
	return fmt.Sprintf("protect.Value[%s](redacted)", v.codec.Name())
}

func (v *Value[T]) GoString() string {
	return v.String()
}

// Format keeps every verb, %x and %v included, from printing the contents.
func (v *Value[T]) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(v.String()))
}

// Secret is the plaintext of a Value for a single scoped use.
type Secret[T any] struct {
	mu      sync.Mutex
	codec   Codec[T]
	buf     []byte
	decoded bool
	value   T
	closed  bool
}

// Value decodes the plaintext on first call. For the Bytes codec the result
// aliases the buffer Close wipes.
func (s *Secret[T]) Value() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.closed {
		return zero, ErrDecryption
	}
	if !s.decoded {
		v, err := s.codec.Decode(s.buf)
		if err != nil {
			log.Debugf("Decode of %s secret failed: %v", s.codec.Name(), err)
			return zero, ErrDecryption
		}
		s.value = v
		s.decoded = true
	}
	return s.value, nil
}

// Bytes returns the plaintext buffer itself. It is wiped by Close.
func (s *Secret[T]) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Close wipes the plaintext. It is safe to call more than once.
func (s *Secret[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	memguard.WipeBytes(s.buf)

	var zero T
	s.value = zero
	s.closed = true
}

func (s *Secret[T]) String() string {
	return fmt.Sprintf("protect.Secret[%s](redacted)", s.codec.Name())
}

func (s *Secret[T]) GoString() string {
	return s.String()
}

func (s *Secret[T]) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(s.String()))
}
