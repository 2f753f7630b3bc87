package prefs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/identity"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/internal/mem"
	"southwinds.dev/walletguard/persist"
	"southwinds.dev/walletguard/protect"
)

var testExtra = []byte("prefs-test-entropy")

func newEncryptor(t *testing.T, g *gate.Gate, policy protect.Policy, id identity.Identity) *protect.Encryptor {
	t.Helper()

	c, err := crypto.NewCipher(crypto.AESCBC{}, crypto.PBKDF2{Iterations: 1000}, crypto.DefaultSaltSize)
	require.NoError(t, err)

	enc, err := protect.New(protect.Config{
		Gate:         g,
		Cipher:       c,
		Identity:     &id,
		ExtraEntropy: testExtra,
		Policy:       policy,
		Protector:    mem.NoProtector{},
	})
	require.NoError(t, err)
	return enc
}

func newBackend(t *testing.T, dir string) persist.Store {
	t.Helper()
	store, err := persist.NewFileSystemStore(dir, "prefs")
	require.NoError(t, err)
	return store
}

// withToken runs fn with a token trusted by g.
func withToken(t *testing.T, g *gate.Gate, fn func(tok gate.Token)) {
	t.Helper()
	end := g.CallEnd("prefs-test")
	require.NoError(t, g.Boundary(end, func(tok gate.Token) error {
		fn(tok.Through(g.TrustedCaller("reader")))
		return nil
	}))
}

func TestStoreSetGet(t *testing.T) {
	ctx := context.Background()
	g := gate.New()
	store, err := New(newEncryptor(t, g, protect.Eternal, identity.Current()), newBackend(t, t.TempDir()), nil)
	require.NoError(t, err)
	require.NoError(t, store.Load(ctx))

	assert.False(t, store.HasKey("currency"))
	require.NoError(t, store.SetInt(ctx, "currency", 3))
	require.NoError(t, store.SetInt(ctx, "network", -1))
	assert.True(t, store.HasKey("currency"))
	assert.Equal(t, []string{"currency", "network"}, store.Keys())

	withToken(t, g, func(tok gate.Token) {
		assert.Equal(t, int64(3), store.GetInt(tok, "currency", 0))
		assert.Equal(t, int64(-1), store.GetInt(tok, "network", 0))
		assert.Equal(t, int64(42), store.GetInt(tok, "missing", 42))
	})

	require.NoError(t, store.SetInt(ctx, "currency", 5))
	withToken(t, g, func(tok gate.Token) {
		assert.Equal(t, int64(5), store.GetInt(tok, "currency", 0))
	})

	require.NoError(t, store.Delete(ctx, "currency"))
	require.NoError(t, store.Delete(ctx, "currency"))
	assert.False(t, store.HasKey("currency"))
}

func TestStoreUntrustedCallerGetsDefault(t *testing.T) {
	ctx := context.Background()
	g := gate.New()
	store, err := New(newEncryptor(t, g, protect.Eternal, identity.Current()), newBackend(t, t.TempDir()), nil)
	require.NoError(t, err)
	require.NoError(t, store.SetInt(ctx, "currency", 3))

	assert.Equal(t, int64(7), store.GetInt(gate.Token{}, "currency", 7))

	foreign := gate.New()
	withToken(t, foreign, func(tok gate.Token) {
		assert.Equal(t, int64(7), store.GetInt(tok, "currency", 7))
	})
}

func TestStoreNeverPersistsPlaintext(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := gate.New()
	store, err := New(newEncryptor(t, g, protect.Eternal, identity.Current()), newBackend(t, dir), nil)
	require.NoError(t, err)
	require.NoError(t, store.SetInt(ctx, "pin-attempts", 0x7fabcdef))

	raw, err := os.ReadFile(filepath.Join(dir, "prefs", "prefs.dat"))
	require.NoError(t, err)

	var blobs map[string][]byte
	require.NoError(t, json.Unmarshal(raw, &blobs))
	require.Contains(t, blobs, "pin-attempts")
	assert.GreaterOrEqual(t, len(blobs["pin-attempts"]), 2*crypto.DefaultSaltSize)
	assert.NotContains(t, string(blobs["pin-attempts"]), "\x7f\xab\xcd\xef")
}

func TestStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := gate.New()
	before := identity.New(1000, "/usr/bin/walletguard")
	store, err := New(newEncryptor(t, first, protect.Eternal, before), newBackend(t, dir), nil)
	require.NoError(t, err)
	require.NoError(t, store.SetInt(ctx, "currency", 9))
	store.Close()

	second := gate.New()
	after := identity.New(2000, "/opt/walletguard")
	reopened, err := New(newEncryptor(t, second, protect.Eternal, after), newBackend(t, dir), nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Load(ctx))

	withToken(t, second, func(tok gate.Token) {
		assert.Equal(t, int64(9), reopened.GetInt(tok, "currency", 0))
	})
}

func TestStoreRejectsEphemeralEncryptor(t *testing.T) {
	g := gate.New()
	_, err := New(newEncryptor(t, g, protect.Ephemeral, identity.Current()), newBackend(t, t.TempDir()), nil)
	assert.Error(t, err)

	_, err = New(nil, newBackend(t, t.TempDir()), nil)
	assert.Error(t, err)
}

func TestStoreInvalidKeys(t *testing.T) {
	ctx := context.Background()
	g := gate.New()
	store, err := New(newEncryptor(t, g, protect.Eternal, identity.Current()), newBackend(t, t.TempDir()), nil)
	require.NoError(t, err)

	assert.Error(t, store.SetInt(ctx, "", 1))
	assert.Error(t, store.SetInt(ctx, strings.Repeat("k", MaxKeyLength+1), 1))
}

func TestStoreConcurrentWriterDetected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := gate.New()
	enc := newEncryptor(t, g, protect.Eternal, identity.Current())

	a, err := New(enc, newBackend(t, dir), nil)
	require.NoError(t, err)
	b, err := New(enc, newBackend(t, dir), nil)
	require.NoError(t, err)

	require.NoError(t, a.SetInt(ctx, "x", 1))
	require.NoError(t, b.Load(ctx))
	require.NoError(t, a.SetInt(ctx, "x", 2))

	err = b.SetInt(ctx, "x", 3)
	require.Error(t, err)
	assert.True(t, persist.IsConcurrencyError(err))

	withToken(t, g, func(tok gate.Token) {
		assert.Equal(t, int64(1), b.GetInt(tok, "x", 0), "failed write rolled back")
	})
}

func TestStoreAudit(t *testing.T) {
	ctx := context.Background()
	g := gate.New()
	logger, err := audit.NewFileLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	require.NoError(t, err)
	defer logger.Close()

	store, err := New(newEncryptor(t, g, protect.Eternal, identity.Current()), newBackend(t, t.TempDir()), logger)
	require.NoError(t, err)
	require.NoError(t, store.SetInt(ctx, "currency", 1))

	res, err := logger.Query(audit.QueryOptions{Action: audit.ActionPrefSet})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "currency", res.Events[0].Metadata["key"])
}

type failingAuditLogger struct {
	audit.Logger
}

func (failingAuditLogger) Log(string, bool, map[string]interface{}) error {
	return errors.New("audit sink unavailable")
}

func TestStoreAuditFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	UseLogger(btclog.NewBackend(&buf).Logger(Subsystem))
	t.Cleanup(DisableLog)

	ctx := context.Background()
	g := gate.New()
	store, err := New(newEncryptor(t, g, protect.Eternal, identity.Current()), newBackend(t, t.TempDir()), failingAuditLogger{})
	require.NoError(t, err)

	require.NoError(t, store.SetInt(ctx, "currency", 1), "an audit failure does not fail the write")
	require.NoError(t, store.Delete(ctx, "currency"))

	out := buf.String()
	assert.Contains(t, out, "audit logging failed for action "+audit.ActionPrefSet)
	assert.Contains(t, out, "audit logging failed for action "+audit.ActionPrefDeleted)
	assert.Contains(t, out, "audit sink unavailable")
}
