package persist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is wrapped by every Load and Delete call whose record is absent.
var ErrNotFound = errors.New("record not found")

// ErrExists is wrapped by create-only writes whose record is already present.
var ErrExists = errors.New("record already exists")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Store persists wallet data for one profile. Everything passed to a Store
// is already encrypted by the caller: wallet records carry a password
// encrypted seed and preferences are eternal-encryptor ciphertext.
//
// Save methods implement optimistic concurrency. An empty expectedVersion
// writes unconditionally; otherwise the write fails with a ConcurrencyError
// unless the stored version still matches.
type Store interface {

	// Profiles

	// ListProfiles returns every profile that has data in the backend.
	ListProfiles(ctx context.Context) ([]string, error)

	// DeleteProfile removes all data of another profile. The profile the
	// store was opened for cannot be deleted.
	DeleteProfile(ctx context.Context, profile string) error

	// Wallet records

	ListWallets(ctx context.Context) ([]string, error)
	SaveWallet(ctx context.Context, walletID string, record []byte, expectedVersion string) (newVersion string, err error)

	// CreateWallet writes record only if walletID has no record yet, and
	// fails with ErrExists otherwise. The check and the write are atomic.
	CreateWallet(ctx context.Context, walletID string, record []byte) (newVersion string, err error)
	LoadWallet(ctx context.Context, walletID string) (*VersionedData, error)
	DeleteWallet(ctx context.Context, walletID string) error

	// Current wallet selection

	SaveCurrent(ctx context.Context, walletID string, expectedVersion string) (newVersion string, err error)
	LoadCurrent(ctx context.Context) (*VersionedData, error)

	// Preferences

	SavePrefs(ctx context.Context, data []byte, expectedVersion string) (newVersion string, err error)
	LoadPrefs(ctx context.Context) (*VersionedData, error)

	// Backup operations

	// SaveBackup stores container under name. A bare name lands in the
	// profile's backup area.
	SaveBackup(ctx context.Context, name string, container *BackupContainer) error

	// RestoreBackup loads and validates a backup container.
	RestoreBackup(ctx context.Context, name string) (*BackupContainer, error)

	ListBackups(ctx context.Context) ([]BackupInfo, error)
	DeleteBackup(ctx context.Context, backupID string) error

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping(ctx context.Context) error
	Close() error
	GetType() string
	Profile() string
}

// BackupContainer is the outer backup format. EncryptedData is the
// passphrase encrypted, base64 encoded BackupData.
type BackupContainer struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	AppVersion       string    `json:"app_version"`
	BackupVersion    string    `json:"backup_version"`
	Checksum         string    `json:"checksum"` // SHA-256 of the decoded EncryptedData
	EncryptionMethod string    `json:"encryption_method"`
	EncryptedData    string    `json:"encrypted_data"`
	Profile          string    `json:"profile"`
}

// BackupData is the plaintext of a backup. The wallet records inside are
// themselves still encrypted with each wallet's password.
type BackupData struct {
	Wallets map[string][]byte `json:"wallets"`
	Current string            `json:"current,omitempty"`
	Prefs   []byte            `json:"prefs,omitempty"`
}

// BackupInfo holds the backup details readable without the passphrase.
type BackupInfo struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	AppVersion       string    `json:"app_version"`
	BackupVersion    string    `json:"backup_version"`
	EncryptionMethod string    `json:"encryption_method"`
	FileSize         int64     `json:"file_size"`
	IsValid          bool      `json:"is_valid"` // checksum validation result
	Profile          string    `json:"profile"`
	Checksum         string    `json:"checksum"`
	StorePath        string    `json:"store_path"` // Store-agnostic path/identifier
}

// StoreConfig selects and configures a storage backend.
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/home/me/.walletguard"},
//	}
type StoreConfig struct {
	Type   StoreType              `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is, or wraps, a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}
