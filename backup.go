package walletguard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/internal/backup"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/persist"
)

// AppVersion is recorded in every backup container.
const AppVersion = "1.0.0"

// MinBackupPassphrase is the shortest accepted backup passphrase.
const MinBackupPassphrase = 12

// RestoreResult reports what a restore wrote.
type RestoreResult struct {
	BackupID string   `json:"backup_id" yaml:"backup_id"`
	Restored []string `json:"restored" yaml:"restored"`
	Skipped  []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Current  string   `json:"current,omitempty" yaml:"current,omitempty"`
}

// Backup exports every wallet record of the profile, the current selection
// and the preferences into a passphrase encrypted container stored under
// name.
//
// Wallet records stay encrypted under their own passwords inside the
// container, so the backup passphrase alone does not reveal any seed.
// Preferences are eternal ciphertext and only restore on an installation
// with the same installation secret.
func (c *Core) Backup(ctx context.Context, name, passphrase string) (_ *persist.BackupContainer, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	backupID := backup.GenerateBackupID(time.Now())
	defer func() {
		logAudit(c.audit, audit.ActionBackupCreated, err, map[string]interface{}{
			"backup_id": backupID,
			"name":      name,
		})
	}()

	if len(passphrase) < MinBackupPassphrase {
		return nil, fmt.Errorf("backup passphrase must be at least %d characters", MinBackupPassphrase)
	}

	data, err := c.collectBackupData(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect backup data: %w", err)
	}

	plain, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup data: %w", err)
	}
	defer memguard.WipeBytes(plain)

	encrypted, err := crypto.EncryptWithPassphrase(plain, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt with passphrase: %w", err)
	}

	container := &persist.BackupContainer{
		BackupID:         backupID,
		BackupTimestamp:  time.Now().UTC(),
		AppVersion:       AppVersion,
		BackupVersion:    backup.FormatVersion,
		EncryptionMethod: backup.EncryptionMethod,
		EncryptedData:    base64.StdEncoding.EncodeToString(encrypted),
		Checksum:         crypto.CalculateChecksum(encrypted),
	}
	if err = c.store.SaveBackup(ctx, name, container); err != nil {
		return nil, fmt.Errorf("failed to save backup: %w", err)
	}

	log.Infof("created backup %s with %d wallets", backupID, len(data.Wallets))
	return container, nil
}

func (c *Core) collectBackupData(ctx context.Context) (*persist.BackupData, error) {
	ids, err := c.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}

	data := &persist.BackupData{Wallets: make(map[string][]byte, len(ids))}
	for _, id := range ids {
		rec, err := c.store.LoadWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		data.Wallets[id] = rec.Data
	}

	if current, err := c.store.LoadCurrent(ctx); err == nil {
		data.Current = string(current.Data)
	} else if !errors.Is(err, persist.ErrNotFound) {
		return nil, err
	}

	if data.Prefs, err = c.prefs.Export(); err != nil {
		return nil, err
	}
	return data, nil
}

// Restore loads the backup stored under name and writes its wallets into
// the profile. Existing wallets are kept unless overwrite is set. The
// current selection is restored when the profile has none.
func (c *Core) Restore(ctx context.Context, name, passphrase string, overwrite bool) (_ *RestoreResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	result := &RestoreResult{}
	defer func() {
		logAudit(c.audit, audit.ActionBackupRestored, err, map[string]interface{}{
			"backup_id": result.BackupID,
			"name":      name,
			"restored":  len(result.Restored),
		})
	}()

	container, err := c.store.RestoreBackup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	result.BackupID = container.BackupID

	if !backup.SupportedVersion(container.BackupVersion) {
		return nil, fmt.Errorf("unsupported backup version %q", container.BackupVersion)
	}

	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode backup data: %w", err)
	}

	plain, err := crypto.DecryptWithPassphrase(encrypted, passphrase)
	if err != nil {
		log.Debugf("backup %s decryption failed: %v", container.BackupID, err)
		return nil, ErrDecryption
	}
	defer memguard.WipeBytes(plain)

	var data persist.BackupData
	if err = json.Unmarshal(plain, &data); err != nil {
		return nil, fmt.Errorf("failed to parse backup data: %w", err)
	}

	ids := make([]string, 0, len(data.Wallets))
	for id := range data.Wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := data.Wallets[id]
		if overwrite {
			_, err = c.store.SaveWallet(ctx, id, rec, "")
		} else {
			_, err = c.store.CreateWallet(ctx, id, rec)
		}
		switch {
		case errors.Is(err, persist.ErrExists):
			result.Skipped = append(result.Skipped, id)
			continue
		case err != nil:
			return result, fmt.Errorf("failed to restore wallet %s: %w", id, err)
		}
		result.Restored = append(result.Restored, id)
	}

	if data.Current != "" {
		if _, cerr := c.wallets.CurrentWalletID(ctx); errors.Is(cerr, ErrNoCurrentWallet) {
			if err = c.wallets.Select(ctx, data.Current); err != nil {
				return result, err
			}
			result.Current = data.Current
		}
	}

	if len(data.Prefs) > 0 && overwrite {
		if _, err = c.store.SavePrefs(ctx, data.Prefs, ""); err != nil {
			return result, fmt.Errorf("failed to restore preferences: %w", err)
		}
		if err = c.prefs.Load(ctx); err != nil {
			return result, err
		}
	}

	log.Infof("restored backup %s: %d wallets, %d skipped",
		container.BackupID, len(result.Restored), len(result.Skipped))
	return result, nil
}

// ListBackups returns the backups of the profile, oldest first.
func (c *Core) ListBackups(ctx context.Context) ([]persist.BackupInfo, error) {
	return c.store.ListBackups(ctx)
}

// DeleteBackup removes a backup by id.
func (c *Core) DeleteBackup(ctx context.Context, backupID string) error {
	return c.store.DeleteBackup(ctx, backupID)
}
