package walletguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/persist"
)

// WalletCache is the read side of wallet persistence used while unlocking.
type WalletCache interface {
	// CurrentWalletID returns the selected wallet or ErrNoCurrentWallet.
	CurrentWalletID(ctx context.Context) (string, error)

	// EncryptedSeed returns the password encrypted seed of walletID.
	EncryptedSeed(ctx context.Context, walletID string) (*SealedSeed, error)
}

// SealedSeed is a password encrypted seed with what is needed to open it.
type SealedSeed struct {
	Blob []byte
	// Path is the derivation path the wallet's addresses live under.
	Path string
	// Cipher opened the seed when it was sealed. Nil means the reader's
	// own cipher.
	Cipher *crypto.Cipher
}

const recordVersion = 1

// WalletRecord is the stored form of a wallet. Only the seed is secret and
// it is kept encrypted under the wallet password.
type WalletRecord struct {
	Name           string    `json:"name"`
	Version        int       `json:"version"`
	Cipher         string    `json:"cipher"`
	EncryptedSeed  []byte    `json:"encrypted_seed"`
	DerivationPath string    `json:"derivation_path"`
	Address        string    `json:"address"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WalletInfo describes a wallet without its seed.
type WalletInfo struct {
	Name           string    `json:"name" yaml:"name"`
	Address        string    `json:"address" yaml:"address"`
	DerivationPath string    `json:"derivation_path" yaml:"derivation_path"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
	Current        bool      `json:"current" yaml:"current"`
}

// Wallets manages the wallet records of one profile. It is the persist.Store
// backed WalletCache.
type Wallets struct {
	store       persist.Store
	cipher      *crypto.Cipher
	gate        *gate.Gate
	caller      gate.Marker
	audit       audit.Logger
	defaultPath string
	forceGC     bool
}

var _ WalletCache = (*Wallets)(nil)

// NewWallets creates a wallet manager over store. Seeds are encrypted with
// cipher keyed by the wallet password.
func NewWallets(store persist.Store, cipher *crypto.Cipher, g *gate.Gate, auditLogger audit.Logger, defaultPath string) *Wallets {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Wallets{
		store:       store,
		cipher:      cipher,
		gate:        g,
		caller:      g.TrustedCaller("Wallets.ChangePassword"),
		audit:       auditLogger,
		defaultPath: defaultPath,
	}
}

// CurrentWalletID implements WalletCache.
func (w *Wallets) CurrentWalletID(ctx context.Context) (string, error) {
	data, err := w.store.LoadCurrent(ctx)
	if errors.Is(err, persist.ErrNotFound) {
		return "", ErrNoCurrentWallet
	}
	if err != nil {
		return "", fmt.Errorf("failed to load current wallet: %w", err)
	}
	return string(data.Data), nil
}

// EncryptedSeed implements WalletCache.
func (w *Wallets) EncryptedSeed(ctx context.Context, walletID string) (*SealedSeed, error) {
	rec, _, err := w.record(ctx, walletID)
	if err != nil {
		return nil, err
	}
	c, err := w.cipherFor(rec.Cipher)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", walletID, err)
	}
	return &SealedSeed{Blob: rec.EncryptedSeed, Path: rec.DerivationPath, Cipher: c}, nil
}

// Cipher returns the cipher new seeds are encrypted with.
func (w *Wallets) Cipher() *crypto.Cipher {
	return w.cipher
}

// cipherFor returns the cipher that opens a record sealed under the named
// engine. Records from before a seed_cipher change keep opening with their
// engine's standard parameters.
func (w *Wallets) cipherFor(name string) (*crypto.Cipher, error) {
	if name == "" || name == w.cipher.Engine().Name() {
		return w.cipher, nil
	}
	return crypto.CipherByName(name)
}

func (w *Wallets) record(ctx context.Context, walletID string) (*WalletRecord, string, error) {
	data, err := w.store.LoadWallet(ctx, walletID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load wallet %s: %w", walletID, err)
	}

	var rec WalletRecord
	if err = json.Unmarshal(data.Data, &rec); err != nil {
		return nil, "", fmt.Errorf("failed to parse wallet %s: %w", walletID, err)
	}
	if rec.Version != recordVersion {
		return nil, "", fmt.Errorf("unsupported wallet record version %d", rec.Version)
	}
	return &rec, data.Version, nil
}

func (w *Wallets) saveRecord(ctx context.Context, rec *WalletRecord, expectedVersion string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize wallet %s: %w", rec.Name, err)
	}
	if _, err = w.store.SaveWallet(ctx, rec.Name, data, expectedVersion); err != nil {
		return fmt.Errorf("failed to save wallet %s: %w", rec.Name, err)
	}
	return nil
}

func (w *Wallets) createRecord(ctx context.Context, rec *WalletRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize wallet %s: %w", rec.Name, err)
	}
	if _, err = w.store.CreateWallet(ctx, rec.Name, data); err != nil {
		if errors.Is(err, persist.ErrExists) {
			return fmt.Errorf("%w: %s", ErrWalletExists, rec.Name)
		}
		return fmt.Errorf("failed to save wallet %s: %w", rec.Name, err)
	}
	return nil
}

// ImportMnemonic derives the BIP-39 seed of mnemonic and stores it as a new
// wallet encrypted under password. An empty path selects the default
// derivation path. The caller keeps ownership of mnemonic and
// mnemonicPassphrase and should wipe them afterwards.
func (w *Wallets) ImportMnemonic(ctx context.Context, name string, mnemonic, mnemonicPassphrase, password []byte, path string) (*WalletInfo, error) {
	seed, err := hdwallet.MnemonicToSeed(mnemonic, mnemonicPassphrase)
	if err != nil {
		logAudit(w.audit, audit.ActionWalletImported, err, map[string]interface{}{
			audit.MetaWalletID: name,
			audit.MetaError:    "invalid_mnemonic",
		})
		return nil, err
	}
	defer memguard.WipeBytes(seed)

	return w.ImportSeed(ctx, name, seed, password, path)
}

// ImportSeed stores seed as a new wallet encrypted under password. The
// caller keeps ownership of seed and password. The first imported wallet
// becomes the current one.
func (w *Wallets) ImportSeed(ctx context.Context, name string, seed, password []byte, path string) (info *WalletInfo, err error) {
	defer func() {
		if err != nil {
			logAudit(w.audit, audit.ActionWalletImported, err, map[string]interface{}{
				audit.MetaWalletID: name,
			})
		}
	}()

	if err = validateSeed(seed); err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if path == "" {
		path = w.defaultPath
	}
	dpath, err := hdwallet.ParsePath(path)
	if err != nil {
		return nil, err
	}

	if _, err = w.store.LoadWallet(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWalletExists, name)
	} else if !errors.Is(err, persist.ErrNotFound) {
		return nil, fmt.Errorf("failed to check wallet %s: %w", name, err)
	}

	addrs, err := hdwallet.Addresses(seed, dpath, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to derive first address: %w", err)
	}

	blob, err := w.cipher.Encrypt(seed, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt seed: %w", err)
	}

	now := time.Now().UTC()
	rec := &WalletRecord{
		Name:           name,
		Version:        recordVersion,
		Cipher:         w.cipher.Engine().Name(),
		EncryptedSeed:  blob,
		DerivationPath: dpath.String(),
		Address:        addrs[0].Hex(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err = w.createRecord(ctx, rec); err != nil {
		return nil, err
	}

	current := false
	if _, cerr := w.CurrentWalletID(ctx); errors.Is(cerr, ErrNoCurrentWallet) {
		if err = w.Select(ctx, name); err != nil {
			return nil, err
		}
		current = true
	}

	logAudit(w.audit, audit.ActionWalletImported, nil, map[string]interface{}{
		audit.MetaWalletID: name,
		audit.MetaAddress:  rec.Address,
	})
	log.Infof("imported wallet %s (%s)", name, rec.Address)

	return &WalletInfo{
		Name:           name,
		Address:        rec.Address,
		DerivationPath: rec.DerivationPath,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		Current:        current,
	}, nil
}

// List describes every wallet of the profile.
func (w *Wallets) List(ctx context.Context) ([]WalletInfo, error) {
	ids, err := w.store.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	current, err := w.CurrentWalletID(ctx)
	if err != nil && !errors.Is(err, ErrNoCurrentWallet) {
		return nil, err
	}

	infos := make([]WalletInfo, 0, len(ids))
	for _, id := range ids {
		rec, _, err := w.record(ctx, id)
		if err != nil {
			log.Warnf("skipping unreadable wallet %s: %v", id, err)
			continue
		}
		infos = append(infos, WalletInfo{
			Name:           rec.Name,
			Address:        rec.Address,
			DerivationPath: rec.DerivationPath,
			CreatedAt:      rec.CreatedAt,
			UpdatedAt:      rec.UpdatedAt,
			Current:        id == current,
		})
	}
	return infos, nil
}

// Select makes name the current wallet.
func (w *Wallets) Select(ctx context.Context, name string) error {
	if _, _, err := w.record(ctx, name); err != nil {
		return err
	}

	err := withRetry("SelectWallet", func() error {
		var version string
		if data, err := w.store.LoadCurrent(ctx); err == nil {
			version = data.Version
		} else if !errors.Is(err, persist.ErrNotFound) {
			return err
		}
		_, err := w.store.SaveCurrent(ctx, name, version)
		return err
	})
	logAudit(w.audit, audit.ActionWalletSelected, err, map[string]interface{}{
		audit.MetaWalletID: name,
	})
	if err != nil {
		return fmt.Errorf("failed to select wallet %s: %w", name, err)
	}
	return nil
}

// Delete removes a wallet record. The current wallet cannot be deleted.
func (w *Wallets) Delete(ctx context.Context, name string) error {
	current, err := w.CurrentWalletID(ctx)
	if err != nil && !errors.Is(err, ErrNoCurrentWallet) {
		return err
	}
	if current == name {
		return fmt.Errorf("cannot delete the current wallet %s, select another one first", name)
	}

	err = w.store.DeleteWallet(ctx, name)
	logAudit(w.audit, audit.ActionWalletDeleted, err, map[string]interface{}{
		audit.MetaWalletID: name,
	})
	if err != nil {
		return fmt.Errorf("failed to delete wallet %s: %w", name, err)
	}
	return nil
}

// ChangePassword re-encrypts the seed of walletID under newPassword with
// the configured cipher. A wrong oldPassword or an untrusted token yields
// ErrDecryption and leaves the record untouched.
func (w *Wallets) ChangePassword(ctx context.Context, tok gate.Token, walletID string, oldPassword, newPassword []byte) (err error) {
	meta := map[string]interface{}{audit.MetaWalletID: walletID}
	defer func() { logAudit(w.audit, audit.ActionPasswordChanged, err, meta) }()

	if len(newPassword) == 0 {
		return fmt.Errorf("password cannot be empty")
	}
	if !w.gate.Allows(tok.Through(w.caller)) {
		meta[audit.MetaError] = "denied"
		log.Debugf("password change for %s refused: caller chain not trusted", walletID)
		return ErrDecryption
	}

	rec, version, err := w.record(ctx, walletID)
	if err != nil {
		return err
	}

	sealedWith, err := w.cipherFor(rec.Cipher)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", walletID, err)
	}

	seed, err := sealedWith.Decrypt(rec.EncryptedSeed, oldPassword)
	if err != nil {
		log.Debugf("password change for %s failed: %v", walletID, err)
		return ErrDecryption
	}
	defer wipe(w.forceGC, seed)

	blob, err := w.cipher.Encrypt(seed, newPassword)
	if err != nil {
		return fmt.Errorf("failed to encrypt seed: %w", err)
	}
	rec.EncryptedSeed = blob
	rec.Cipher = w.cipher.Engine().Name()
	rec.UpdatedAt = time.Now().UTC()

	return w.saveRecord(ctx, rec, version)
}
