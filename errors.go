package walletguard

import (
	"errors"

	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/protect"
)

var (
	// ErrDecryption is returned for every failed unlock: wrong password,
	// corrupted record and refused caller chain look the same.
	ErrDecryption = protect.ErrDecryption

	// ErrAddressNotFound is returned when the requested signing address is
	// not derivable from the wallet seed.
	ErrAddressNotFound = hdwallet.ErrAddressNotFound

	// ErrNoCurrentWallet is returned when no wallet has been selected.
	ErrNoCurrentWallet = errors.New("no wallet selected")

	// ErrWalletExists is returned when importing under a taken name.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrSignerDestroyed is returned by a TxSigner after Destroy.
	ErrSignerDestroyed = errors.New("signer destroyed")

	// ErrClosed is returned by a Core after Close.
	ErrClosed = errors.New("walletguard closed")
)

// UserMessage turns err into the text shown to an end user. Unlock
// failures never reveal which check failed.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDecryption):
		return "unable to unlock wallet: incorrect password"
	case errors.Is(err, ErrAddressNotFound):
		return "address not found in this wallet"
	case errors.Is(err, ErrNoCurrentWallet):
		return "no wallet selected"
	default:
		return "unable to unlock wallet"
	}
}

// reason is the audit code for an unlock failure. It is recorded, never
// returned.
func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDecryption):
		return "decryption"
	case errors.Is(err, ErrAddressNotFound):
		return "address_not_found"
	default:
		return "store"
	}
}
