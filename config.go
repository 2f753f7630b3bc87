package walletguard

import (
	"fmt"

	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/dispatch"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/internal/misc"
	"southwinds.dev/walletguard/persist"
)

// MinInstallationSecret is the shortest accepted installation secret.
const MinInstallationSecret = 16

// Config holds everything New needs to assemble a Core.
//
// Fields tagged `json:"-"` carry secrets or live objects and are never
// serialized. A Store, Audit logger or Main context supplied by the caller
// takes precedence over the matching *Config field and is not closed by
// Core.Close.
type Config struct {
	// Profile selects the wallet namespace inside the store.
	Profile string `json:"profile" yaml:"profile"`

	StoreConfig persist.StoreConfig `json:"store" yaml:"store"`
	Store       persist.Store       `json:"-" yaml:"-"`

	AuditConfig audit.Config `json:"audit" yaml:"audit"`
	Audit       audit.Logger `json:"-" yaml:"-"`

	// InstallationSecret is the extra entropy of the eternal encryptor.
	// It must stay the same across restarts of one installation.
	InstallationSecret []byte `json:"-" yaml:"-"`

	// SeedCipher encrypts wallet seeds under their password. Defaults to
	// crypto.DefaultCipher().
	SeedCipher *crypto.Cipher `json:"-" yaml:"-"`

	// MemoryCipher backs both protect encryptors. Defaults to
	// crypto.DefaultCipher().
	MemoryCipher *crypto.Cipher `json:"-" yaml:"-"`

	Network NetworkProvider        `json:"-" yaml:"-"`
	Main    *dispatch.MainContext `json:"-" yaml:"-"`

	// DerivationPath is used for imports that do not name one.
	DerivationPath string `json:"derivation_path" yaml:"derivation_path"`

	// MaxAddressScan bounds the index search when looking for a signer.
	MaxAddressScan int `json:"max_address_scan" yaml:"max_address_scan"`

	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// ForceGC runs the garbage collector after secrets are wiped.
	ForceGC bool `json:"force_gc" yaml:"force_gc"`
}

// Validate checks c and fills in defaults.
func (c *Config) Validate() error {
	if len(c.InstallationSecret) < MinInstallationSecret {
		return fmt.Errorf("installation secret must be at least %d bytes", MinInstallationSecret)
	}
	if c.Store == nil && c.StoreConfig.Type == "" {
		return fmt.Errorf("either Store or StoreConfig must be provided")
	}
	if c.Network == nil {
		return fmt.Errorf("network provider is required")
	}

	if c.Profile == "" {
		c.Profile = persist.DefaultProfile
	}
	if c.DerivationPath == "" {
		c.DerivationPath = misc.DefaultDerivationPath
	}
	if _, err := hdwallet.ParsePath(c.DerivationPath); err != nil {
		return fmt.Errorf("invalid derivation path: %w", err)
	}
	if c.MaxAddressScan <= 0 {
		c.MaxAddressScan = misc.MaxAddressScan
	}
	if c.SeedCipher == nil {
		c.SeedCipher = crypto.DefaultCipher()
	}
	if c.MemoryCipher == nil {
		c.MemoryCipher = crypto.DefaultCipher()
	}
	if c.AuditConfig.Profile == "" {
		c.AuditConfig.Profile = c.Profile
	}
	return nil
}
