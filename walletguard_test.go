package walletguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/dispatch"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/internal/misc"
	"southwinds.dev/walletguard/persist"
)

const (
	testPassword  = "correct horse"
	wrongPassword = "wrong password"
	testMnemonic  = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
)

var testInstallationSecret = []byte("walletguard-test-installation")

// testSeed is 0x01..0x20.
func testSeed() []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return seed
}

func testCipher(t testing.TB) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher(crypto.AESCBC{}, crypto.PBKDF2{Iterations: 1000}, crypto.DefaultSaltSize)
	require.NoError(t, err)
	return c
}

type testEnv struct {
	core  *Core
	store persist.Store
	main  *dispatch.MainContext
	dir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvIn(t, t.TempDir())
}

func newTestEnvIn(t *testing.T, dir string) *testEnv {
	t.Helper()
	return newTestEnvWith(t, dir, testCipher(t))
}

func newTestEnvWith(t *testing.T, dir string, seedCipher *crypto.Cipher) *testEnv {
	t.Helper()

	store, err := persist.NewFileSystemStore(filepath.Join(dir, "store"), "test")
	require.NoError(t, err)
	main := dispatch.New(4)

	core, err := New(context.Background(), Config{
		Profile:            "test",
		Store:              store,
		InstallationSecret: testInstallationSecret,
		SeedCipher:         seedCipher,
		MemoryCipher:       testCipher(t),
		Network:            StaticNetwork{URL: "http://127.0.0.1:8545", ID: 1337},
		Main:               main,
		MaxAddressScan:     5,
		AuditConfig: audit.Config{
			Enabled: true,
			Type:    audit.FileAuditType,
			Options: map[string]interface{}{"file_path": filepath.Join(dir, "audit.log")},
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, core.Close())
		main.Stop()
		_ = store.Close()
	})
	return &testEnv{core: core, store: store, main: main, dir: dir}
}

func (e *testEnv) importTestSeed(t *testing.T, name string) *WalletInfo {
	t.Helper()
	info, err := e.core.Wallets().ImportSeed(context.Background(), name, testSeed(), []byte(testPassword), "")
	require.NoError(t, err)
	return info
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

func testAddresses(t *testing.T, n int) []hdwallet.Address {
	t.Helper()
	path, err := hdwallet.ParsePath(misc.DefaultDerivationPath)
	require.NoError(t, err)
	addrs, err := hdwallet.Addresses(testSeed(), path, n)
	require.NoError(t, err)
	return addrs
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate(), "installation secret required")

	cfg.InstallationSecret = testInstallationSecret
	assert.Error(t, cfg.Validate(), "store required")

	cfg.StoreConfig = persist.StoreConfig{Type: persist.StoreTypeFileSystem}
	assert.Error(t, cfg.Validate(), "network required")

	cfg.Network = StaticNetwork{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, persist.DefaultProfile, cfg.Profile)
	assert.Equal(t, misc.DefaultDerivationPath, cfg.DerivationPath)
	assert.Equal(t, misc.MaxAddressScan, cfg.MaxAddressScan)
	assert.NotNil(t, cfg.SeedCipher)
	assert.Equal(t, cfg.Profile, cfg.AuditConfig.Profile)

	cfg.DerivationPath = "m/44'/x"
	assert.Error(t, cfg.Validate())
}

// The unlock scenario: seed 0x01..0x20 under "correct horse".
func TestDecryptWalletScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.importTestSeed(t, "main")

	t.Run("CorrectPassword", func(t *testing.T) {
		var held []byte
		err := env.core.Trusted(func(tok gate.Token) error {
			return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(testPassword), func(seed []byte, path string) error {
				assert.Equal(t, testSeed(), seed)
				assert.Equal(t, misc.DefaultDerivationPath, path)
				held = seed
				return nil
			})
		})
		require.NoError(t, err)
		require.Len(t, held, 32)
		assert.True(t, allZero(held), "seed wiped after the continuation")
	})

	t.Run("WrongPassword", func(t *testing.T) {
		called := false
		err := env.core.Trusted(func(tok gate.Token) error {
			return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(wrongPassword), func([]byte, string) error {
				called = true
				return nil
			})
		})
		assert.ErrorIs(t, err, ErrDecryption)
		assert.False(t, called, "continuation must not run")
	})

	t.Run("ContinuationError", func(t *testing.T) {
		var held []byte
		boom := errors.New("boom")
		err := env.core.Trusted(func(tok gate.Token) error {
			return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(testPassword), func(seed []byte, _ string) error {
				held = seed
				return boom
			})
		})
		assert.ErrorIs(t, err, boom)
		assert.True(t, allZero(held))
	})

	t.Run("ContinuationPanic", func(t *testing.T) {
		var held []byte
		assert.Panics(t, func() {
			_ = env.core.Trusted(func(tok gate.Token) error {
				return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(testPassword), func(seed []byte, _ string) error {
					held = seed
					panic("continuation failed")
				})
			})
		})
		assert.True(t, allZero(held))
	})

	t.Run("UntrustedToken", func(t *testing.T) {
		called := false
		err := env.core.Decryptor().DecryptWallet(ctx, gate.Token{}, []byte(testPassword), func([]byte, string) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrDecryption)
		assert.Equal(t, ErrDecryption, err, "denial is not distinguishable")
		assert.False(t, called)
	})

	t.Run("EscapedToken", func(t *testing.T) {
		var escaped gate.Token
		require.NoError(t, env.core.Trusted(func(tok gate.Token) error {
			escaped = tok
			return nil
		}))

		err := env.core.Decryptor().DecryptWallet(ctx, escaped, []byte(testPassword), func([]byte, string) error {
			t.Fatal("continuation must not run")
			return nil
		})
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("Audit", func(t *testing.T) {
		failed := false
		res, err := env.core.Audit().Query(audit.QueryOptions{Action: audit.ActionWalletUnlock, Success: &failed})
		require.NoError(t, err)
		require.NotEmpty(t, res.Events)

		reasons := map[string]bool{}
		for _, ev := range res.Events {
			reasons[ev.Error] = true
		}
		assert.True(t, reasons["decryption"])
		assert.True(t, reasons["denied"])
	})
}

func TestDecryptWalletNoCurrent(t *testing.T) {
	env := newTestEnv(t)
	err := env.core.Trusted(func(tok gate.Token) error {
		return env.core.Decryptor().DecryptWallet(context.Background(), tok, []byte(testPassword), func([]byte, string) error {
			return nil
		})
	})
	assert.ErrorIs(t, err, ErrNoCurrentWallet)
}

func TestDecryptWalletStoreErrorPropagates(t *testing.T) {
	env := newTestEnv(t)
	env.importTestSeed(t, "main")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.core.Trusted(func(tok gate.Token) error {
		return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(testPassword), func([]byte, string) error {
			return nil
		})
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDecryption)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWallets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wallets := env.core.Wallets()

	first := env.importTestSeed(t, "main")
	assert.True(t, first.Current, "first wallet becomes current")
	assert.Equal(t, testAddresses(t, 1)[0].Hex(), first.Address)

	_, err := wallets.ImportSeed(ctx, "main", testSeed(), []byte(testPassword), "")
	assert.ErrorIs(t, err, ErrWalletExists)

	second, err := wallets.ImportMnemonic(ctx, "trezor", []byte(testMnemonic), nil, []byte("other password"), "")
	require.NoError(t, err)
	assert.False(t, second.Current)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", second.Address)

	_, err = wallets.ImportMnemonic(ctx, "bad", []byte("not a mnemonic"), nil, []byte(testPassword), "")
	assert.Error(t, err)

	_, err = wallets.ImportSeed(ctx, "weak", bytes.Repeat([]byte{7}, 32), []byte(testPassword), "")
	assert.Error(t, err)

	_, err = wallets.ImportSeed(ctx, "nopass", testSeed(), nil, "")
	assert.Error(t, err)

	list, err := wallets.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "main", list[0].Name)
	assert.True(t, list[0].Current)
	assert.False(t, list[1].Current)

	require.NoError(t, wallets.Select(ctx, "trezor"))
	current, err := wallets.CurrentWalletID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "trezor", current)

	assert.Error(t, wallets.Select(ctx, "missing"))
	assert.Error(t, wallets.Delete(ctx, "trezor"), "current wallet cannot be deleted")
	require.NoError(t, wallets.Delete(ctx, "main"))

	list, err = wallets.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestImportSeedConcurrentSameName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []byte
		taken  int
	)
	for i := 0; i < 8; i++ {
		seed := testSeed()
		seed[0] = byte(0x80 + i)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.core.Wallets().ImportSeed(ctx, "main", seed, []byte(testPassword), "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				assert.Nil(t, winner, "two imports of the same name succeeded")
				winner = seed
				return
			}
			assert.ErrorIs(t, err, ErrWalletExists)
			taken++
		}()
	}
	wg.Wait()

	require.NotNil(t, winner)
	assert.Equal(t, 7, taken)

	require.NoError(t, env.core.Trusted(func(tok gate.Token) error {
		return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(testPassword), func(seed []byte, _ string) error {
			assert.Equal(t, winner, seed, "the stored seed belongs to the successful import")
			return nil
		})
	}))
}

func TestSeedCipherSwitchKeepsExistingWallets(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	before := newTestEnvWith(t, dir, crypto.DefaultCipher())
	before.importTestSeed(t, "main")

	xchacha, err := crypto.NewCipher(crypto.XChaCha{}, crypto.Argon2id{Time: 1, Memory: 8 * 1024, Threads: 1}, crypto.DefaultSaltSize)
	require.NoError(t, err)
	after := newTestEnvWith(t, dir, xchacha)
	wallets := after.core.Wallets()

	list, err := wallets.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "main", list[0].Name)

	unlock := func(password string) ([]byte, error) {
		var got []byte
		err := after.core.Trusted(func(tok gate.Token) error {
			return after.core.Decryptor().DecryptWallet(ctx, tok, []byte(password), func(seed []byte, _ string) error {
				got = append([]byte(nil), seed...)
				return nil
			})
		})
		return got, err
	}

	seed, err := unlock(testPassword)
	require.NoError(t, err)
	assert.Equal(t, testSeed(), seed)

	require.NoError(t, after.core.Trusted(func(tok gate.Token) error {
		return wallets.ChangePassword(ctx, tok, "main", []byte(testPassword), []byte("new password"))
	}))

	data, err := after.store.LoadWallet(ctx, "main")
	require.NoError(t, err)
	var rec WalletRecord
	require.NoError(t, json.Unmarshal(data.Data, &rec))
	assert.Equal(t, crypto.XChaCha{}.Name(), rec.Cipher, "a password change re-seals with the configured cipher")

	seed, err = unlock("new password")
	require.NoError(t, err)
	assert.Equal(t, testSeed(), seed)

	_, err = unlock(testPassword)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestUnknownRecordCipher(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.importTestSeed(t, "main")

	data, err := env.store.LoadWallet(ctx, "main")
	require.NoError(t, err)
	var rec WalletRecord
	require.NoError(t, json.Unmarshal(data.Data, &rec))
	rec.Cipher = "rot13"
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = env.store.SaveWallet(ctx, "main", raw, data.Version)
	require.NoError(t, err)

	err = env.core.Trusted(func(tok gate.Token) error {
		return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(testPassword), func([]byte, string) error { return nil })
	})
	assert.ErrorContains(t, err, "unknown cipher")
}

func TestWalletRecordHoldsNoPlaintext(t *testing.T) {
	env := newTestEnv(t)
	env.importTestSeed(t, "main")

	data, err := env.store.LoadWallet(context.Background(), "main")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data.Data, testSeed()))
	assert.NotContains(t, string(data.Data), testPassword)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.importTestSeed(t, "main")
	wallets := env.core.Wallets()

	unlock := func(password string) error {
		return env.core.Trusted(func(tok gate.Token) error {
			return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(password), func([]byte, string) error {
				return nil
			})
		})
	}

	err := env.core.Trusted(func(tok gate.Token) error {
		return wallets.ChangePassword(ctx, tok, "main", []byte(wrongPassword), []byte("new password"))
	})
	assert.ErrorIs(t, err, ErrDecryption)

	err = wallets.ChangePassword(ctx, gate.Token{}, "main", []byte(testPassword), []byte("new password"))
	assert.ErrorIs(t, err, ErrDecryption)
	require.NoError(t, unlock(testPassword), "failed changes leave the record alone")

	require.NoError(t, env.core.Trusted(func(tok gate.Token) error {
		return wallets.ChangePassword(ctx, tok, "main", []byte(testPassword), []byte("new password"))
	}))

	assert.ErrorIs(t, unlock(testPassword), ErrDecryption)
	assert.NoError(t, unlock("new password"))
}

func TestCoreAddresses(t *testing.T) {
	env := newTestEnv(t)
	env.importTestSeed(t, "main")

	pw, err := env.core.ProtectPassword([]byte(testPassword))
	require.NoError(t, err)

	var addrs []hdwallet.Address
	require.NoError(t, env.core.Trusted(func(tok gate.Token) error {
		addrs, err = env.core.Addresses(context.Background(), tok, pw, 3)
		return err
	}))
	assert.Equal(t, testAddresses(t, 3), addrs)
}

func TestNilUnlockArguments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.importTestSeed(t, "main")

	err := env.core.Trusted(func(tok gate.Token) error {
		_, err := env.core.Addresses(ctx, tok, nil, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrDecryption)

	err = env.core.Trusted(func(tok gate.Token) error {
		return env.core.Decryptor().DecryptWallet(ctx, tok, nil, func([]byte, string) error {
			t.Error("continuation must not run without a password")
			return nil
		})
	})
	assert.ErrorIs(t, err, ErrDecryption)

	assert.NotPanics(t, func() {
		err = env.core.Trusted(func(tok gate.Token) error {
			return env.core.Decryptor().DecryptWallet(ctx, tok, []byte(testPassword), nil)
		})
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDecryption)
}

func TestCorePrefs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env := newTestEnvIn(t, dir)
	require.NoError(t, env.core.Prefs().SetInt(ctx, "currency", 2))

	reopened := newTestEnvIn(t, dir)
	require.NoError(t, reopened.core.Trusted(func(tok gate.Token) error {
		assert.Equal(t, int64(2), reopened.core.Prefs().GetInt(tok, "currency", 0))
		return nil
	}))
}

func TestCoreClose(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.core.Close())
	require.NoError(t, env.core.Close())

	err := env.core.Trusted(func(gate.Token) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.NotEmpty(t, env.core.MemoryProtection())
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "unable to unlock wallet: incorrect password", UserMessage(ErrDecryption))
	assert.Equal(t, "address not found in this wallet", UserMessage(ErrAddressNotFound))
	assert.Equal(t, "unable to unlock wallet", UserMessage(errors.New("disk on fire")))
}
