package hdwallet

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"
)

// AddressLength is the size of an Ethereum account address.
const AddressLength = 20

// Address is an Ethereum account address.
type Address [AddressLength]byte

// PubKeyToAddress returns the last 20 bytes of the Keccak-256 hash of the
// uncompressed public key.
func PubKeyToAddress(pub *btcec.PublicKey) Address {
	raw := pub.SerializeUncompressed()

	var addr Address
	copy(addr[:], keccak256(raw[1:])[12:])
	return addr
}

// ParseAddress accepts a 0x prefixed or bare hex address. Mixed case input
// must carry a valid EIP-55 checksum.
func ParseAddress(s string) (Address, error) {
	var addr Address

	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(h) != 2*AddressLength {
		return addr, fmt.Errorf("invalid address %q: want %d hex chars", s, 2*AddressLength)
	}

	b, err := hex.DecodeString(h)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}
	copy(addr[:], b)

	if h != strings.ToLower(h) && h != strings.ToUpper(h) && addr.Hex()[2:] != h {
		return Address{}, fmt.Errorf("invalid address %q: bad checksum", s)
	}
	return addr, nil
}

// Hex returns the EIP-55 checksummed form.
func (a Address) Hex() string {
	lower := hex.EncodeToString(a[:])
	hash := keccak256([]byte(lower))

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' {
			continue
		}
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 32
		}
	}
	return "0x" + string(out)
}

func (a Address) String() string {
	return a.Hex()
}

// IsZero reports whether a is the all zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
