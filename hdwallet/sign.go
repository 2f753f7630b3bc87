package hdwallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// SignatureLength is the size of an r || s || v signature.
const SignatureLength = 65

// compactHeader is the recovery byte offset of uncompressed compact
// signatures.
const compactHeader = 27

var errHashLength = errors.New("hash must be 32 bytes")

// SignHash signs a 32 byte digest and returns r || s || v with v in {0, 1}.
func SignHash(priv *btcec.PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errHashLength
	}

	compact := ecdsa.SignCompact(priv, hash, false)
	if len(compact) != SignatureLength {
		return nil, fmt.Errorf("unexpected compact signature length %d", len(compact))
	}

	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0] - compactHeader
	return sig, nil
}

// RecoverAddress returns the address that produced sig over hash.
func RecoverAddress(hash, sig []byte) (Address, error) {
	if len(hash) != 32 {
		return Address{}, errHashLength
	}
	if len(sig) != SignatureLength || sig[64] > 1 {
		return Address{}, errors.New("malformed signature")
	}

	compact := make([]byte, SignatureLength)
	compact[0] = sig[64] + compactHeader
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return PubKeyToAddress(pub), nil
}
