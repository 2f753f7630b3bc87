// Package walletguard is the secret handling core of a desktop wallet: it
// imports wallets, keeps their seeds encrypted at rest and in memory, and
// unlocks a seed only for the duration of a single signing operation.
package walletguard

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/dispatch"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/internal/mem"
	"southwinds.dev/walletguard/persist"
	"southwinds.dev/walletguard/prefs"
	"southwinds.dev/walletguard/protect"
)

const ephemeralEntropySize = 32

// Core owns the object graph of one profile: the gate, both encryptors,
// the wallet store, the decryptor and signer, preferences and the audit
// trail. Build it once with New and pass it where it is needed.
type Core struct {
	mu sync.RWMutex

	cfg       Config
	sessionID string

	store     persist.Store
	ownsStore bool
	audit     audit.Logger
	ownsAudit bool
	main      *dispatch.MainContext
	ownsMain  bool

	gate   *gate.Gate
	end    gate.Marker
	caller gate.Marker

	ephemeral *protect.Encryptor
	eternal   *protect.Encryptor

	wallets   *Wallets
	decryptor *Decryptor
	signer    *Signer
	prefs     *prefs.Store

	memoryProtectionLevel mem.ProtectionLevel
	closed                bool
}

// New validates cfg and builds a Core.
//
// The store is pinged and the preferences loaded before New returns. Memory
// locking is best effort: failure is logged and reported through
// MemoryProtection, never returned.
func New(ctx context.Context, cfg Config) (_ *Core, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Core{
		cfg:       cfg,
		sessionID: newSessionID(),
	}
	defer func() {
		if err != nil {
			c.release()
		}
	}()

	if cfg.Store != nil {
		c.store = cfg.Store
	} else {
		if c.store, err = persist.NewStore(cfg.StoreConfig, cfg.Profile); err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		c.ownsStore = true
	}
	if err = c.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store is not reachable: %w", err)
	}

	if cfg.Audit != nil {
		c.audit = cfg.Audit
	} else {
		if c.audit, err = audit.NewLogger(&cfg.AuditConfig); err != nil {
			return nil, fmt.Errorf("failed to create audit logger: %w", err)
		}
		c.ownsAudit = true
	}

	if cfg.Main != nil {
		c.main = cfg.Main
	} else {
		c.main = dispatch.New(dispatch.DefaultBufferSize)
		c.ownsMain = true
	}

	if cfg.EnableMemoryLock {
		level, lerr := mem.Lock()
		if lerr != nil {
			log.Warnf("memory locking failed: %v", lerr)
		}
		c.memoryProtectionLevel = level
	}

	c.gate = gate.New()
	c.end = c.gate.CallEnd("Core.Trusted")
	c.caller = c.gate.TrustedCaller("Core")

	extra := memguard.NewBufferRandom(ephemeralEntropySize)
	c.ephemeral, err = protect.New(protect.Config{
		Gate:         c.gate,
		Cipher:       cfg.MemoryCipher,
		ExtraEntropy: extra.Bytes(),
		Policy:       protect.Ephemeral,
	})
	extra.Destroy()
	if err != nil {
		return nil, fmt.Errorf("failed to create ephemeral encryptor: %w", err)
	}

	c.eternal, err = protect.New(protect.Config{
		Gate:         c.gate,
		Cipher:       cfg.MemoryCipher,
		ExtraEntropy: cfg.InstallationSecret,
		Policy:       protect.Eternal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create eternal encryptor: %w", err)
	}

	c.wallets = NewWallets(c.store, cfg.SeedCipher, c.gate, c.audit, cfg.DerivationPath)
	c.wallets.forceGC = cfg.ForceGC
	c.decryptor = NewDecryptor(c.wallets, cfg.SeedCipher, c.gate, c.audit, cfg.ForceGC)

	c.signer, err = NewSigner(SignerConfig{
		Gate:      c.gate,
		Decryptor: c.decryptor,
		Network:   cfg.Network,
		Main:      c.main,
		Audit:     c.audit,
		MaxScan:   cfg.MaxAddressScan,
		ForceGC:   cfg.ForceGC,
	})
	if err != nil {
		return nil, err
	}

	if c.prefs, err = prefs.New(c.eternal, c.store, c.audit); err != nil {
		return nil, err
	}
	if err = c.prefs.Load(ctx); err != nil {
		return nil, err
	}

	log.Infof("walletguard ready: profile=%s store=%s memory=%s",
		cfg.Profile, c.store.GetType(), c.memoryProtectionLevel)
	return c, nil
}

func (c *Core) Gate() *gate.Gate { return c.gate }
func (c *Core) Wallets() *Wallets { return c.wallets }
func (c *Core) Decryptor() *Decryptor { return c.decryptor }
func (c *Core) Signer() *Signer { return c.signer }
func (c *Core) Prefs() *prefs.Store { return c.prefs }
func (c *Core) Audit() audit.Logger { return c.audit }
func (c *Core) Store() persist.Store { return c.store }
func (c *Core) Main() *dispatch.MainContext { return c.main }
func (c *Core) Profile() string { return c.cfg.Profile }
func (c *Core) SessionID() string { return c.sessionID }
func (c *Core) Ephemeral() *protect.Encryptor { return c.ephemeral }
func (c *Core) Eternal() *protect.Encryptor { return c.eternal }
func (c *Core) Network() NetworkProvider { return c.cfg.Network }
func (c *Core) MemoryLevel() mem.ProtectionLevel { return c.memoryProtectionLevel }

// Trusted runs fn inside the application's trusted scope. It is the
// designated boundary for front ends such as the CLI: code reached through
// fn may pass tok to any guarded operation until fn returns.
func (c *Core) Trusted(fn func(tok gate.Token) error) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	return c.gate.Boundary(c.end, func(tok gate.Token) error {
		return fn(tok.Through(c.caller))
	})
}

// ProtectPassword moves password into an ephemeral protected value and
// wipes the caller's slice.
func (c *Core) ProtectPassword(password []byte) (*protect.Value[[]byte], error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}
	return protect.ProtectBytes(c.ephemeral, password)
}

// Addresses unlocks the current wallet and derives its first n addresses.
func (c *Core) Addresses(ctx context.Context, tok gate.Token, password *protect.Value[[]byte], n int) ([]hdwallet.Address, error) {
	if n <= 0 {
		return nil, fmt.Errorf("address count must be positive")
	}
	if password == nil {
		return nil, ErrDecryption
	}

	var addrs []hdwallet.Address
	err := password.UseBytes(tok, func(pw []byte) error {
		return c.decryptor.DecryptWallet(ctx, tok, pw, func(seed []byte, path string) error {
			dpath, err := hdwallet.ParsePath(path)
			if err != nil {
				return err
			}
			addrs, err = hdwallet.Addresses(seed, dpath, n)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// MemoryProtection describes the memory locking level that was achieved.
func (c *Core) MemoryProtection() string {
	switch c.memoryProtectionLevel {
	case mem.ProtectionNone:
		return "None - sensitive data may be swapped to disk"
	case mem.ProtectionPartial:
		return "Partial - basic memory protection applied"
	case mem.ProtectionFull:
		return "Full - memory locked and protected from swapping"
	default:
		return "Unknown"
	}
}

// Close destroys the in-memory ciphertext and releases the store, the
// audit logger and the main context when Core created them. It is safe to
// call more than once.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	errs := c.release()
	log.Infof("walletguard closed")

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func (c *Core) release() []error {
	var errs []error

	if c.prefs != nil {
		c.prefs.Close()
	}
	if c.ownsMain && c.main != nil {
		c.main.Stop()
	}
	if c.ownsAudit && c.audit != nil {
		if err := c.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
		}
	}
	if c.ownsStore && c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	if c.cfg.EnableMemoryLock && c.memoryProtectionLevel != mem.ProtectionNone {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
		}
	}
	return errs
}
