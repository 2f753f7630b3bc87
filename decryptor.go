package walletguard

import (
	"context"
	"fmt"

	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/internal/crypto"
)

// SeedFunc receives a decrypted wallet seed and its derivation path. The
// seed is wiped as soon as the function returns and must not be retained.
type SeedFunc func(seed []byte, path string) error

// Decryptor recovers the seed of the current wallet for the duration of a
// single callback.
type Decryptor struct {
	cache   WalletCache
	cipher  *crypto.Cipher
	gate    *gate.Gate
	caller  gate.Marker
	audit   audit.Logger
	forceGC bool
}

// NewDecryptor creates a Decryptor reading wallets from cache. cipher opens
// seeds for which the cache reports no cipher of their own.
func NewDecryptor(cache WalletCache, cipher *crypto.Cipher, g *gate.Gate, auditLogger audit.Logger, forceGC bool) *Decryptor {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Decryptor{
		cache:   cache,
		cipher:  cipher,
		gate:    g,
		caller:  g.TrustedCaller("Decryptor.DecryptWallet"),
		audit:   auditLogger,
		forceGC: forceGC,
	}
}

// Marker returns the trusted caller marker the Decryptor appends to tokens.
func (d *Decryptor) Marker() gate.Marker {
	return d.caller
}

// DecryptWallet decrypts the seed of the current wallet with password and
// hands it to fn. The seed is zeroed on every return path, including a
// panic in fn.
//
// Any unlock failure, including an untrusted tok or a nil password, returns
// ErrDecryption without calling fn. A nil fn is refused before anything is
// read. Store errors are returned as they are.
// The password stays owned by the caller.
func (d *Decryptor) DecryptWallet(ctx context.Context, tok gate.Token, password []byte, fn SeedFunc) (err error) {
	if fn == nil {
		return fmt.Errorf("seed function is required")
	}

	meta := map[string]interface{}{}
	unlocked := false
	defer func() {
		if !unlocked {
			logAudit(d.audit, audit.ActionWalletUnlock, err, meta)
		}
	}()

	if !d.gate.Allows(tok.Through(d.caller)) {
		meta[audit.MetaError] = "denied"
		log.Debugf("wallet unlock refused: caller chain not trusted")
		return ErrDecryption
	}

	walletID, err := d.cache.CurrentWalletID(ctx)
	if err != nil {
		return err
	}
	meta[audit.MetaWalletID] = walletID

	sealed, err := d.cache.EncryptedSeed(ctx, walletID)
	if err != nil {
		return err
	}
	c := sealed.Cipher
	if c == nil {
		c = d.cipher
	}

	seed, err := c.Decrypt(sealed.Blob, password)
	if err != nil {
		log.Debugf("wallet %s unlock failed: %v", walletID, err)
		return ErrDecryption
	}
	defer wipe(d.forceGC, seed)

	unlocked = true
	logAudit(d.audit, audit.ActionWalletUnlock, nil, meta)
	log.Tracef("wallet %s unlocked", walletID)
	return fn(seed, sealed.Path)
}
