package walletguard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/internal/backup"
)

const backupPassphrase = "long enough backup passphrase"

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()

	src := newTestEnv(t)
	src.importTestSeed(t, "main")
	_, err := src.core.Wallets().ImportMnemonic(ctx, "trezor", []byte(testMnemonic), nil, []byte("other password"), "")
	require.NoError(t, err)
	require.NoError(t, src.core.Prefs().SetInt(ctx, "currency", 3))

	container, err := src.core.Backup(ctx, "nightly", backupPassphrase)
	require.NoError(t, err)
	assert.Equal(t, backup.FormatVersion, container.BackupVersion)
	assert.Equal(t, backup.EncryptionMethod, container.EncryptionMethod)
	assert.Equal(t, AppVersion, container.AppVersion)
	assert.NotContains(t, container.EncryptedData, testPassword)

	backups, err := src.core.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, container.BackupID, backups[0].BackupID)
	assert.True(t, backups[0].IsValid)

	file := filepath.Join(src.dir, "store", "test", "backups", "nightly.wgbk")

	dst := newTestEnv(t)
	res, err := dst.core.Restore(ctx, file, backupPassphrase, true)
	require.NoError(t, err)
	assert.Equal(t, container.BackupID, res.BackupID)
	assert.Equal(t, []string{"main", "trezor"}, res.Restored)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, "main", res.Current)

	// Restored wallets unlock with their original passwords.
	err = dst.core.Trusted(func(tok gate.Token) error {
		return dst.core.Decryptor().DecryptWallet(ctx, tok, []byte(testPassword), func(seed []byte, _ string) error {
			assert.Equal(t, testSeed(), seed)
			return nil
		})
	})
	require.NoError(t, err)

	require.NoError(t, dst.core.Trusted(func(tok gate.Token) error {
		assert.Equal(t, int64(3), dst.core.Prefs().GetInt(tok, "currency", 0))
		return nil
	}))

	created, err := src.core.Audit().Query(audit.QueryOptions{Action: audit.ActionBackupCreated})
	require.NoError(t, err)
	assert.Equal(t, 1, created.Filtered)

	restored, err := dst.core.Audit().Query(audit.QueryOptions{Action: audit.ActionBackupRestored})
	require.NoError(t, err)
	require.Equal(t, 1, restored.Filtered)
	assert.True(t, restored.Events[0].Success)
}

func TestRestoreSkipsExistingWallets(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.importTestSeed(t, "main")

	_, err := env.core.Backup(ctx, "before", backupPassphrase)
	require.NoError(t, err)

	live, err := env.store.LoadWallet(ctx, "main")
	require.NoError(t, err)

	res, err := env.core.Restore(ctx, "before", backupPassphrase, false)
	require.NoError(t, err)
	assert.Empty(t, res.Restored)
	assert.Equal(t, []string{"main"}, res.Skipped)
	assert.Empty(t, res.Current, "current selection is kept")

	after, err := env.store.LoadWallet(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, live.Version, after.Version, "a skipped wallet is not rewritten")

	res, err = env.core.Restore(ctx, "before", backupPassphrase, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, res.Restored)
}

func TestBackupFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.importTestSeed(t, "main")

	_, err := env.core.Backup(ctx, "short", "too short")
	assert.Error(t, err)

	_, err = env.core.Backup(ctx, "../escape", backupPassphrase)
	assert.Error(t, err)

	_, err = env.core.Backup(ctx, "good", backupPassphrase)
	require.NoError(t, err)

	_, err = env.core.Restore(ctx, "good", "a different passphrase", false)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = env.core.Restore(ctx, "missing", backupPassphrase, false)
	assert.Error(t, err)

	failed := false
	res, err := env.core.Audit().Query(audit.QueryOptions{Action: audit.ActionBackupRestored, Success: &failed})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Filtered)
}

func TestDeleteBackup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.importTestSeed(t, "main")

	container, err := env.core.Backup(ctx, "old", backupPassphrase)
	require.NoError(t, err)

	require.NoError(t, env.core.DeleteBackup(ctx, container.BackupID))
	assert.Error(t, env.core.DeleteBackup(ctx, container.BackupID))

	backups, err := env.core.ListBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestBackupAfterClose(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.core.Close())

	_, err := env.core.Backup(context.Background(), "closed", backupPassphrase)
	assert.ErrorIs(t, err, ErrClosed)
}
