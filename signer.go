package walletguard

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/btcsuite/btcd/btcec/v2"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/dispatch"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/protect"
)

// NetworkProvider supplies the network a signed transaction is bound to.
type NetworkProvider interface {
	RPCURL() string
	ChainID() uint64
}

// StaticNetwork is a NetworkProvider with fixed values.
type StaticNetwork struct {
	URL string
	ID  uint64
}

func (n StaticNetwork) RPCURL() string  { return n.URL }
func (n StaticNetwork) ChainID() uint64 { return n.ID }

// TxSigner signs transaction hashes for one address. The private key is
// sealed in a memguard enclave and only opened for the duration of a
// SignHash call.
type TxSigner struct {
	mu      sync.Mutex
	key     *memguard.Enclave
	address hdwallet.Address
	index   uint32
	rpcURL  string
	chainID uint64
}

// SignHash returns the 65 byte r || s || v signature of a 32 byte hash.
func (t *TxSigner) SignHash(hash []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.key == nil {
		return nil, ErrSignerDestroyed
	}

	buf, err := t.key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open signing key: %w", err)
	}
	defer buf.Destroy()

	priv, _ := btcec.PrivKeyFromBytes(buf.Bytes())
	defer priv.Zero()

	return hdwallet.SignHash(priv, hash)
}

func (t *TxSigner) Address() hdwallet.Address { return t.address }

// Index is the child index of the address under the wallet path.
func (t *TxSigner) Index() uint32   { return t.index }
func (t *TxSigner) RPCURL() string  { return t.rpcURL }
func (t *TxSigner) ChainID() uint64 { return t.chainID }

// Destroy drops the sealed key. Later SignHash calls fail.
func (t *TxSigner) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.key = nil
}

// SignedFunc receives the outcome of an asynchronous signing request. It
// runs on the main context.
type SignedFunc func(signer *TxSigner, err error)

// SignerConfig assembles a Signer.
type SignerConfig struct {
	Gate      *gate.Gate
	Decryptor *Decryptor
	Network   NetworkProvider
	Main      *dispatch.MainContext
	Audit     audit.Logger
	MaxScan   int
	ForceGC   bool
}

// Signer turns a protected wallet password into a TxSigner for one address.
type Signer struct {
	gate      *gate.Gate
	end       gate.Marker
	caller    gate.Marker
	decryptor *Decryptor
	network   NetworkProvider
	main      *dispatch.MainContext
	audit     audit.Logger
	maxScan   int
	forceGC   bool
}

// NewSigner creates a Signer.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	switch {
	case cfg.Gate == nil:
		return nil, fmt.Errorf("gate is required")
	case cfg.Decryptor == nil:
		return nil, fmt.Errorf("decryptor is required")
	case cfg.Network == nil:
		return nil, fmt.Errorf("network provider is required")
	case cfg.Main == nil:
		return nil, fmt.Errorf("main context is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewNoOpLogger()
	}
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = 1
	}

	return &Signer{
		gate:      cfg.Gate,
		end:       cfg.Gate.CallEnd("Signer.SignTransaction"),
		caller:    cfg.Gate.TrustedCaller("Signer.sign"),
		decryptor: cfg.Decryptor,
		network:   cfg.Network,
		main:      cfg.Main,
		audit:     cfg.Audit,
		maxScan:   cfg.MaxScan,
		forceGC:   cfg.ForceGC,
	}, nil
}

// SignTransaction derives the signer for address on a worker goroutine and
// delivers it to onSigned through the main context. tok is checked before
// the worker starts; the worker then runs in its own trusted scope, so the
// caller's scope may close in the meantime.
//
// Failures reach onSigned as ErrDecryption or ErrAddressNotFound. If the
// main context has stopped, the result is discarded.
func (s *Signer) SignTransaction(ctx context.Context, tok gate.Token, address string, encryptedPassword *protect.Value[[]byte], onSigned SignedFunc) {
	allowed := s.gate.Allows(tok.Through(s.caller))

	go func() {
		var (
			signer *TxSigner
			err    = ErrDecryption
		)
		if allowed {
			signer, err = s.run(ctx, address, encryptedPassword)
		} else {
			s.denied(address)
		}

		if !s.main.Queue(func() { onSigned(signer, err) }) {
			log.Warnf("dropping signing result for %s: main context stopped", address)
			if signer != nil {
				signer.Destroy()
			}
		}
	}()
}

// SignTransactionSync is SignTransaction without the hand-off: it blocks
// and returns the result to the calling goroutine.
func (s *Signer) SignTransactionSync(ctx context.Context, tok gate.Token, address string, encryptedPassword *protect.Value[[]byte]) (*TxSigner, error) {
	if !s.gate.Allows(tok.Through(s.caller)) {
		s.denied(address)
		return nil, ErrDecryption
	}
	return s.run(ctx, address, encryptedPassword)
}

func (s *Signer) denied(address string) {
	log.Debugf("signing for %s refused: caller chain not trusted", address)
	logAudit(s.audit, audit.ActionTxSign, ErrDecryption, map[string]interface{}{
		audit.MetaAddress: address,
		audit.MetaError:   "denied",
	})
}

// run opens the signer's own scope and performs the password, seed and key
// steps inside it.
func (s *Signer) run(ctx context.Context, address string, encryptedPassword *protect.Value[[]byte]) (signer *TxSigner, err error) {
	defer func() {
		logAudit(s.audit, audit.ActionTxSign, err, map[string]interface{}{
			audit.MetaAddress: address,
		})
	}()

	addr, err := hdwallet.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressNotFound, err)
	}
	if encryptedPassword == nil {
		return nil, ErrDecryption
	}

	err = s.gate.Boundary(s.end, func(tok gate.Token) error {
		tok = tok.Through(s.caller)
		return encryptedPassword.UseBytes(tok, func(password []byte) error {
			return s.decryptor.DecryptWallet(ctx, tok, password, func(seed []byte, path string) error {
				signer, err = s.derive(seed, path, addr)
				return err
			})
		})
	})
	wipe(s.forceGC)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

func (s *Signer) derive(seed []byte, path string, addr hdwallet.Address) (*TxSigner, error) {
	dpath, err := hdwallet.ParsePath(path)
	if err != nil {
		return nil, err
	}

	priv, index, err := hdwallet.FindKey(seed, dpath, addr, s.maxScan)
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	// NewEnclave wipes the serialized key.
	key := memguard.NewEnclave(priv.Serialize())

	return &TxSigner{
		key:     key,
		address: addr,
		index:   index,
		rpcURL:  s.network.RPCURL(),
		chainID: s.network.ChainID(),
	}, nil
}
