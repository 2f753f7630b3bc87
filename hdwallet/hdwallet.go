// Package hdwallet derives Ethereum accounts from a wallet seed following
// BIP-39 (mnemonic to seed), BIP-32 (extended keys) and BIP-44 (paths).
package hdwallet

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// SeedIterations is the BIP-39 PBKDF2 round count.
	SeedIterations = 2048

	// SeedSize is the length of a BIP-39 seed.
	SeedSize = 64
)

var (
	// ErrAddressNotFound is returned when no index under a path yields the
	// requested address.
	ErrAddressNotFound = errors.New("address not found under derivation path")

	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrInvalidPath     = errors.New("invalid derivation path")
)

// wipeBytes zeroes the intermediate copies of a mnemonic.
var wipeBytes = memguard.WipeBytes

// MnemonicToSeed stretches a BIP-39 mnemonic and optional passphrase into a
// 64 byte seed. Both inputs are NFKD normalised first. The word list checksum
// is not verified, only the word count.
//
// The inputs are read, never modified or retained, and every copy made of
// them is zeroed before returning.
func MnemonicToSeed(mnemonic, passphrase []byte) ([]byte, error) {
	normalized := norm.NFKD.Append(make([]byte, 0, len(mnemonic)), mnemonic...)
	defer wipeBytes(normalized)

	// the words alias normalized
	words := bytes.Fields(normalized)
	switch len(words) {
	case 12, 15, 18, 21, 24:
	default:
		return nil, fmt.Errorf("%w: %d words", ErrInvalidMnemonic, len(words))
	}

	sentence := make([]byte, 0, len(normalized))
	for i, word := range words {
		if i > 0 {
			sentence = append(sentence, ' ')
		}
		sentence = append(sentence, word...)
	}
	defer wipeBytes(sentence)

	salt := make([]byte, 0, len("mnemonic")+len(passphrase))
	salt = append(salt, "mnemonic"...)
	salt = norm.NFKD.Append(salt, passphrase...)
	defer wipeBytes(salt)

	return pbkdf2.Key(sentence, salt, SeedIterations, SeedSize, sha512.New), nil
}

// Path is a parsed BIP-32 derivation path without the leading "m".
type Path []uint32

// ParsePath parses paths such as "m/44'/60'/0'/0". Both ' and h mark a
// hardened index.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q must start with m", ErrInvalidPath, s)
	}

	path := make(Path, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		if hardened {
			part = part[:len(part)-1]
		}

		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil || n >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: bad component %q in %q", ErrInvalidPath, part, s)
		}

		index := uint32(n)
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		path = append(path, index)
	}

	return path, nil
}

// Child returns a copy of p extended with index.
func (p Path) Child(index uint32) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, index)
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, index := range p {
		b.WriteString("/")
		if index >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(uint64(index-hdkeychain.HardenedKeyStart), 10))
			b.WriteString("'")
			continue
		}
		b.WriteString(strconv.FormatUint(uint64(index), 10))
	}
	return b.String()
}

// DeriveKey walks path from the master key of seed and returns the private
// key at its end. Intermediate extended keys are zeroed. The caller must Zero
// the returned key.
func DeriveKey(seed []byte, path Path) (*btcec.PrivateKey, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := master
	for _, index := range path {
		child, err := key.Derive(index)
		key.Zero()
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", path, err)
		}
		key = child
	}
	defer key.Zero()

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}
	return priv, nil
}

// Addresses derives the first n addresses under path.
func Addresses(seed []byte, path Path, n int) ([]Address, error) {
	addrs := make([]Address, 0, n)
	for i := 0; i < n; i++ {
		priv, err := DeriveKey(seed, path.Child(uint32(i)))
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, PubKeyToAddress(priv.PubKey()))
		priv.Zero()
	}
	return addrs, nil
}

// FindKey scans the first maxScan indexes under path for the key that owns
// addr. It returns ErrAddressNotFound when none matches.
func FindKey(seed []byte, path Path, addr Address, maxScan int) (*btcec.PrivateKey, uint32, error) {
	for i := 0; i < maxScan; i++ {
		priv, err := DeriveKey(seed, path.Child(uint32(i)))
		if err != nil {
			return nil, 0, err
		}
		if PubKeyToAddress(priv.PubKey()) == addr {
			log.Debugf("Found %s at %s/%d", addr, path, i)
			return priv, uint32(i), nil
		}
		priv.Zero()
	}

	log.Debugf("Address %s not in first %d indexes of %s", addr, maxScan, path)
	return nil, 0, ErrAddressNotFound
}
