package persist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"southwinds.dev/walletguard/internal/misc"
)

// FileSystemStore implements Store on the local filesystem:
//
//	basePath/
//	└── profile/
//	    ├── profile.json        profile config
//	    ├── current             id of the selected wallet
//	    ├── prefs.dat           encrypted preferences
//	    ├── wallets/<id>.wallet encrypted wallet records
//	    └── backups/<name>.wgbk backup containers
type FileSystemStore struct {
	basePath      string
	profile       string
	profilePath   string
	walletsDir    string
	backupsDir    string
	profileConfig string
	currentFile   string
	prefsFile     string

	// mu makes each version check and the write after it atomic within the
	// process.
	mu sync.Mutex
}

// ProfileConfig is written once per profile and records its layout version.
type ProfileConfig struct {
	Version    string    `json:"version"`
	Profile    string    `json:"profile"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, profile string) (*FileSystemStore, error) {
	profile = profileOrDefault(profile)
	if err := validateName("profile", profile); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}

	profilePath := filepath.Join(basePath, profile)

	fs := &FileSystemStore{
		basePath:      basePath,
		profile:       profile,
		profilePath:   profilePath,
		walletsDir:    filepath.Join(profilePath, "wallets"),
		backupsDir:    filepath.Join(profilePath, "backups"),
		profileConfig: filepath.Join(profilePath, "profile.json"),
		currentFile:   filepath.Join(profilePath, "current"),
		prefsFile:     filepath.Join(profilePath, "prefs.dat"),
	}

	for _, dir := range []string{fs.profilePath, fs.walletsDir, fs.backupsDir} {
		if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeProfileConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize profile config: %w", err)
	}

	log.Debugf("Opened filesystem store at %s (profile=%s)", basePath, profile)
	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, profile string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok || basePath == "" {
		return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
	}

	return NewFileSystemStore(basePath, profile)
}

func (fs *FileSystemStore) initializeProfileConfig() error {
	if _, err := os.Stat(fs.profileConfig); os.IsNotExist(err) {
		now := time.Now().UTC()
		config := ProfileConfig{
			Version:    "1.0.0",
			Profile:    fs.profile,
			CreatedAt:  now,
			LastAccess: now,
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.profileConfig, data, misc.FilePermissions)
	}
	return nil
}

// Profile returns the profile the store was opened for.
func (fs *FileSystemStore) Profile() string {
	return fs.profile
}

// ListProfiles returns all profiles that have a profile config under the
// base path.
func (fs *FileSystemStore) ListProfiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var profiles []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(fs.basePath, entry.Name(), "profile.json")); err == nil {
			profiles = append(profiles, entry.Name())
		}
	}

	sort.Strings(profiles)
	return profiles, nil
}

// DeleteProfile removes all data of another profile.
func (fs *FileSystemStore) DeleteProfile(ctx context.Context, profile string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName("profile", profile); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	if profile == fs.profile {
		return fmt.Errorf("cannot delete current profile")
	}

	path := filepath.Join(fs.basePath, profile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: profile %s", ErrNotFound, profile)
	} else if err != nil {
		return fmt.Errorf("failed to check profile directory: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete profile data: %w", err)
	}

	log.Infof("Deleted profile %s", profile)
	return nil
}

// ListWallets returns the ids of all stored wallet records.
func (fs *FileSystemStore) ListWallets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fs.walletsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read wallets directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), walletExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), walletExt))
	}

	sort.Strings(ids)
	return ids, nil
}

// SaveWallet with optimistic concurrency control
func (fs *FileSystemStore) SaveWallet(ctx context.Context, walletID string, record []byte, expectedVersion string) (string, error) {
	if err := validateName("wallet id", walletID); err != nil {
		return "", err
	}
	if len(record) == 0 {
		return "", fmt.Errorf("wallet record cannot be empty")
	}
	return fs.saveVersioned(ctx, fs.walletPath(walletID), record, expectedVersion, "SaveWallet")
}

// CreateWallet stores record unless walletID already has one.
func (fs *FileSystemStore) CreateWallet(ctx context.Context, walletID string, record []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateName("wallet id", walletID); err != nil {
		return "", err
	}
	if len(record) == 0 {
		return "", fmt.Errorf("wallet record cannot be empty")
	}

	path := fs.walletPath(walletID)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: wallet %s", ErrExists, walletID)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check wallet %s: %w", walletID, err)
	}

	if err := writeSecureFile(path, record, misc.FilePermissions); err != nil {
		return "", err
	}

	version := calculateFileVersion(record)
	log.Tracef("CreateWallet: wrote %d bytes to %s (version=%s)", len(record), path, version)
	return version, nil
}

// LoadWallet returns the versioned record of walletID.
func (fs *FileSystemStore) LoadWallet(ctx context.Context, walletID string) (*VersionedData, error) {
	if err := validateName("wallet id", walletID); err != nil {
		return nil, err
	}
	return fs.loadVersioned(ctx, fs.walletPath(walletID), "wallet "+walletID)
}

// DeleteWallet removes a wallet record.
func (fs *FileSystemStore) DeleteWallet(ctx context.Context, walletID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName("wallet id", walletID); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.walletPath(walletID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
		}
		return fmt.Errorf("failed to delete wallet %s: %w", walletID, err)
	}
	return nil
}

// SaveCurrent stores the id of the selected wallet.
func (fs *FileSystemStore) SaveCurrent(ctx context.Context, walletID string, expectedVersion string) (string, error) {
	if err := validateName("wallet id", walletID); err != nil {
		return "", err
	}
	return fs.saveVersioned(ctx, fs.currentFile, []byte(walletID), expectedVersion, "SaveCurrent")
}

// LoadCurrent returns the id of the selected wallet.
func (fs *FileSystemStore) LoadCurrent(ctx context.Context) (*VersionedData, error) {
	return fs.loadVersioned(ctx, fs.currentFile, "current wallet")
}

// SavePrefs stores the encrypted preference blob.
func (fs *FileSystemStore) SavePrefs(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("prefs cannot be nil")
	}
	return fs.saveVersioned(ctx, fs.prefsFile, data, expectedVersion, "SavePrefs")
}

// LoadPrefs returns the encrypted preference blob.
func (fs *FileSystemStore) LoadPrefs(ctx context.Context) (*VersionedData, error) {
	return fs.loadVersioned(ctx, fs.prefsFile, "prefs")
}

func (fs *FileSystemStore) walletPath(walletID string) string {
	return filepath.Join(fs.walletsDir, walletID+walletExt)
}

func (fs *FileSystemStore) saveVersioned(ctx context.Context, path string, data []byte, expectedVersion, op string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       op,
			}
		}
	}

	if err := writeSecureFile(path, data, misc.FilePermissions); err != nil {
		return "", err
	}

	version := calculateFileVersion(data)
	log.Tracef("%s: wrote %d bytes to %s (version=%s)", op, len(data), path, version)
	return version, nil
}

func (fs *FileSystemStore) loadVersioned(ctx context.Context, path, what string) (*VersionedData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// SaveBackup writes container as JSON. Bare names are placed in the
// profile's backup directory and get the backup extension.
func (fs *FileSystemStore) SaveBackup(ctx context.Context, name string, container *BackupContainer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}

	backupPath, err := fs.resolveBackupPath(name)
	if err != nil {
		return err
	}

	if stat, err := os.Stat(backupPath); err == nil && stat.IsDir() {
		return fmt.Errorf("cannot create backup file %s: path is an existing directory", backupPath)
	}

	if err := os.MkdirAll(filepath.Dir(backupPath), misc.DirPermissions); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	if container.Profile == "" {
		container.Profile = fs.profile
	}

	containerData, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	if err = writeSecureFile(backupPath, containerData, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	log.Infof("Saved backup %s to %s", container.BackupID, backupPath)
	return nil
}

func (fs *FileSystemStore) resolveBackupPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("backup path cannot be empty or whitespace-only")
	}
	if strings.ContainsAny(name, "\x00") {
		return "", fmt.Errorf("backup path contains invalid characters")
	}

	if strings.Contains(filepath.ToSlash(name), "..") {
		return "", fmt.Errorf("invalid backup path: path contains directory traversal")
	}

	path := filepath.Clean(name)
	if !filepath.IsAbs(path) && !strings.ContainsRune(path, os.PathSeparator) {
		path = filepath.Join(fs.backupsDir, path)
	}
	if !strings.HasSuffix(path, backupExt) {
		path += backupExt
	}

	if err := validateBackupPath(path); err != nil {
		return "", fmt.Errorf("invalid backup path: %w", err)
	}
	return path, nil
}

// validateBackupPath keeps backups out of system directories.
func validateBackupPath(backupPath string) error {
	if len(backupPath) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}

	cleanPath := filepath.Clean(backupPath)

	if runtime.GOOS == "windows" {
		upperPath := strings.ToUpper(cleanPath)
		for _, sysPath := range []string{"C:\\WINDOWS\\", "C:\\PROGRAM FILES\\", "C:\\PROGRAM FILES (X86)\\"} {
			if strings.HasPrefix(upperPath, sysPath) {
				return fmt.Errorf("cannot create backup in system directory")
			}
		}
		return nil
	}

	for _, sysPath := range []string{"/etc/", "/bin/", "/sbin/", "/usr/bin/", "/usr/sbin/", "/boot/"} {
		if strings.HasPrefix(cleanPath, sysPath) {
			return fmt.Errorf("cannot create backup in system directory")
		}
	}
	return nil
}

// RestoreBackup reads and validates a backup container.
func (fs *FileSystemStore) RestoreBackup(ctx context.Context, name string) (*BackupContainer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := fs.resolveBackupPath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: backup file %s", ErrNotFound, fullPath)
		}
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}

	if ok, reason := ValidateContainer(&container); !ok {
		return nil, fmt.Errorf("invalid backup file: %s", reason)
	}

	if container.Profile != "" && container.Profile != fs.profile {
		log.Warnf("Restoring backup from profile %s into profile %s", container.Profile, fs.profile)
	}

	return &container, nil
}

// DeleteBackup removes the backup file whose container carries backupID.
func (fs *FileSystemStore) DeleteBackup(ctx context.Context, backupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var found string
	err := fs.walkBackups(func(path string, _ os.DirEntry, container *BackupContainer) bool {
		if container.BackupID == backupID {
			found = path
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if found == "" {
		return fmt.Errorf("%w: backup %s", ErrNotFound, backupID)
	}

	if err := os.Remove(found); err != nil {
		return fmt.Errorf("failed to delete backup file %s: %w", found, err)
	}

	log.Infof("Deleted backup %s", backupID)
	return nil
}

// ListBackups returns info for every parseable backup of the profile.
func (fs *FileSystemStore) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	backups := []BackupInfo{}
	err := fs.walkBackups(func(path string, entry os.DirEntry, container *BackupContainer) bool {
		info, err := entry.Info()
		if err != nil {
			log.Warnf("ListBackups: failed to get file info for %s: %v", entry.Name(), err)
			return true
		}

		isValid, reason := ValidateContainer(container)
		if !isValid {
			log.Warnf("ListBackups: backup %s is invalid: %s", entry.Name(), reason)
		}

		backups = append(backups, BackupInfo{
			BackupID:         container.BackupID,
			BackupTimestamp:  container.BackupTimestamp,
			AppVersion:       container.AppVersion,
			BackupVersion:    container.BackupVersion,
			EncryptionMethod: container.EncryptionMethod,
			FileSize:         info.Size(),
			IsValid:          isValid,
			Profile:          container.Profile,
			Checksum:         container.Checksum,
			StorePath:        entry.Name(),
		})
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.Before(backups[j].BackupTimestamp)
	})
	return backups, nil
}

// walkBackups calls fn for each parseable container until fn returns false.
func (fs *FileSystemStore) walkBackups(fn func(path string, entry os.DirEntry, container *BackupContainer) bool) error {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read backups directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		path := filepath.Join(fs.backupsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Debugf("Skipping unreadable backup %s: %v", entry.Name(), err)
			continue
		}

		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			log.Debugf("Skipping unparseable backup %s: %v", entry.Name(), err)
			continue
		}

		if !fn(path, entry, &container) {
			return nil
		}
	}
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Ping checks that the profile directory is still there.
func (fs *FileSystemStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(fs.profilePath)
	return err
}

// Close records the last access time in the profile config.
func (fs *FileSystemStore) Close() error {
	configData, err := os.ReadFile(fs.profileConfig)
	if err != nil {
		return nil
	}

	var config ProfileConfig
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil
	}

	config.LastAccess = time.Now().UTC()
	updated, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil
	}
	return writeSecureFile(fs.profileConfig, updated, misc.FilePermissions)
}

func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of the content is the version identifier, matching S3 ETags
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile writes through a synced temp file and a rename so readers
// never observe a partial record.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
