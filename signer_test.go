package walletguard

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/protect"
)

// unknownAddress belongs to private key 1, which is not derived from the
// test seed.
const unknownAddress = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"

func protectedPassword(t *testing.T, env *testEnv, password string) *protect.Value[[]byte] {
	t.Helper()
	pw, err := env.core.ProtectPassword([]byte(password))
	require.NoError(t, err)
	return pw
}

func signSync(env *testEnv, address string, pw *protect.Value[[]byte]) (signer *TxSigner, err error) {
	terr := env.core.Trusted(func(tok gate.Token) error {
		signer, err = env.core.Signer().SignTransactionSync(context.Background(), tok, address, pw)
		return nil
	})
	if terr != nil {
		return nil, terr
	}
	return signer, err
}

func TestSignTransactionSync(t *testing.T) {
	env := newTestEnv(t)
	env.importTestSeed(t, "main")
	addrs := testAddresses(t, 3)

	signer, err := signSync(env, addrs[2].Hex(), protectedPassword(t, env, testPassword))
	require.NoError(t, err)
	require.NotNil(t, signer)

	assert.Equal(t, addrs[2], signer.Address())
	assert.Equal(t, uint32(2), signer.Index())
	assert.Equal(t, "http://127.0.0.1:8545", signer.RPCURL())
	assert.Equal(t, uint64(1337), signer.ChainID())

	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte("transfer 1 eth"))
	digest := hash.Sum(nil)

	sig, err := signer.SignHash(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	recovered, err := hdwallet.RecoverAddress(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, addrs[2], recovered)

	signer.Destroy()
	_, err = signer.SignHash(digest)
	assert.ErrorIs(t, err, ErrSignerDestroyed)
}

func TestSignTransactionLowercaseAddress(t *testing.T) {
	env := newTestEnv(t)
	env.importTestSeed(t, "main")
	addr := testAddresses(t, 1)[0]

	signer, err := signSync(env, strings.ToLower(addr.Hex()), protectedPassword(t, env, testPassword))
	require.NoError(t, err)
	assert.Equal(t, addr, signer.Address())
	signer.Destroy()
}

func TestSignTransactionFailures(t *testing.T) {
	env := newTestEnv(t)
	env.importTestSeed(t, "main")
	addr := testAddresses(t, 1)[0].Hex()

	t.Run("WrongPassword", func(t *testing.T) {
		signer, err := signSync(env, addr, protectedPassword(t, env, wrongPassword))
		assert.ErrorIs(t, err, ErrDecryption)
		assert.Nil(t, signer)
	})

	t.Run("UnknownAddress", func(t *testing.T) {
		signer, err := signSync(env, unknownAddress, protectedPassword(t, env, testPassword))
		assert.ErrorIs(t, err, ErrAddressNotFound)
		assert.Nil(t, signer)
	})

	t.Run("MalformedAddress", func(t *testing.T) {
		_, err := signSync(env, "0x1234", protectedPassword(t, env, testPassword))
		assert.ErrorIs(t, err, ErrAddressNotFound)
	})

	t.Run("UntrustedToken", func(t *testing.T) {
		signer, err := env.core.Signer().SignTransactionSync(context.Background(), gate.Token{}, addr,
			protectedPassword(t, env, testPassword))
		assert.Equal(t, ErrDecryption, err)
		assert.Nil(t, signer)
	})

	t.Run("NilPassword", func(t *testing.T) {
		_, err := signSync(env, addr, nil)
		assert.ErrorIs(t, err, ErrDecryption)
	})
}

func TestSignTransactionAsync(t *testing.T) {
	env := newTestEnv(t)
	env.importTestSeed(t, "main")
	addr := testAddresses(t, 1)[0]
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type result struct {
		signer *TxSigner
		err    error
	}
	results := make(chan result, 1)
	onSigned := func(s *TxSigner, err error) { results <- result{s, err} }

	t.Run("Success", func(t *testing.T) {
		pw := protectedPassword(t, env, testPassword)
		// The scope closes before the worker runs.
		require.NoError(t, env.core.Trusted(func(tok gate.Token) error {
			env.core.Signer().SignTransaction(ctx, tok, addr.Hex(), pw, onSigned)
			return nil
		}))

		require.NoError(t, env.main.RunOne(ctx))
		res := <-results
		require.NoError(t, res.err)
		assert.Equal(t, addr, res.signer.Address())
		res.signer.Destroy()
	})

	t.Run("Denied", func(t *testing.T) {
		env.core.Signer().SignTransaction(ctx, gate.Token{}, addr.Hex(), protectedPassword(t, env, testPassword), onSigned)

		require.NoError(t, env.main.RunOne(ctx))
		res := <-results
		assert.Equal(t, ErrDecryption, res.err)
		assert.Nil(t, res.signer)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		pw := protectedPassword(t, env, wrongPassword)
		require.NoError(t, env.core.Trusted(func(tok gate.Token) error {
			env.core.Signer().SignTransaction(ctx, tok, addr.Hex(), pw, onSigned)
			return nil
		}))

		require.NoError(t, env.main.RunOne(ctx))
		res := <-results
		assert.ErrorIs(t, res.err, ErrDecryption)
	})
}

func TestNewSignerValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewSigner(SignerConfig{})
	assert.Error(t, err)

	_, err = NewSigner(SignerConfig{Gate: env.core.Gate(), Decryptor: env.core.Decryptor(), Network: StaticNetwork{}})
	assert.Error(t, err, "main context required")

	s, err := NewSigner(SignerConfig{
		Gate:      env.core.Gate(),
		Decryptor: env.core.Decryptor(),
		Network:   StaticNetwork{},
		Main:      env.main,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.maxScan)
}
