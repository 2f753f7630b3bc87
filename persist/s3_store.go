package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface on any S3 compatible backend via
// MinIO. Objects are laid out per profile:
//
//	bucket/
//	└── [keyPrefix/]profile/
//	    ├── profile.config
//	    ├── current
//	    ├── prefs.dat
//	    ├── wallets/<id>.wallet
//	    └── backups/<name>.wgbk
type S3Store struct {
	client     *minio.Client
	bucketName string

	// keyPrefix separates walletguard objects from others in a shared bucket.
	keyPrefix string

	profile string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	KeyPrefix       string `json:"key_prefix" yaml:"key_prefix"`
	UseSSL          bool   `json:"use_ssl" yaml:"use_ssl"`
	Region          string `json:"region" yaml:"region"`
}

// NewS3Store connects to the backend, creates the bucket if needed and
// writes the profile config on first use.
func NewS3Store(config S3Config, profile string) (*S3Store, error) {
	profile = profileOrDefault(profile)
	if err := validateName("profile", profile); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
		profile:    profile,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeProfileConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize profile config: %w", err)
	}

	log.Debugf("Opened s3 store %s/%s (profile=%s)", config.Endpoint, config.Bucket, profile)
	return store, nil
}

// NewS3StoreFromConfig decodes the generic config map into an S3Config.
func NewS3StoreFromConfig(config StoreConfig, profile string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, profile)
}

func (s3s *S3Store) initializeProfileConfig(ctx context.Context) error {
	objectName := s3s.profilePath("profile.config")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to check profile config: %w", err)
	}

	now := time.Now().UTC()
	config := ProfileConfig{
		Version:    "1.0.0",
		Profile:    s3s.profile,
		CreatedAt:  now,
		LastAccess: now,
		Structure:  "v1",
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile config: %w", err)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":         "profile-config",
				"profile":           s3s.profile,
				"structure-version": config.Structure,
				"created-at":        now.Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create profile config: %w", err)
	}
	return nil
}

// Profile returns the profile the store was opened for.
func (s3s *S3Store) Profile() string {
	return s3s.profile
}

// ListProfiles returns every profile prefix holding a profile config.
func (s3s *S3Store) ListProfiles(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	basePrefix := ""
	if s3s.keyPrefix != "" {
		basePrefix = s3s.keyPrefix + "/"
	}

	var profiles []string
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing profiles: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, "/") {
			continue
		}

		profile := strings.TrimSuffix(strings.TrimPrefix(object.Key, basePrefix), "/")
		if profile == "" {
			continue
		}

		configKey := s3s.pathFor(profile, "profile.config")
		if _, err := s3s.client.StatObject(ctx, s3s.bucketName, configKey, minio.StatObjectOptions{}); err == nil {
			profiles = append(profiles, profile)
		}
	}

	sort.Strings(profiles)
	return profiles, nil
}

// DeleteProfile removes every object of another profile.
func (s3s *S3Store) DeleteProfile(ctx context.Context, profile string) error {
	if err := validateName("profile", profile); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	if profile == s3s.profile {
		return fmt.Errorf("cannot delete current profile")
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	deleted := 0
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    s3s.pathFor(profile) + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return fmt.Errorf("error listing profile objects: %w", object.Err)
		}

		err := s3s.client.RemoveObject(ctx, s3s.bucketName, object.Key, minio.RemoveObjectOptions{})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete %s: %w", object.Key, err)
		}
		deleted++
	}

	if deleted == 0 {
		return fmt.Errorf("%w: profile %s", ErrNotFound, profile)
	}

	log.Infof("Deleted profile %s (%d objects)", profile, deleted)
	return nil
}

// ListWallets returns the ids of all stored wallet records.
func (s3s *S3Store) ListWallets(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	prefix := s3s.profilePath("wallets") + "/"

	ids := []string{}
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing wallets: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, walletExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(object.Key, prefix), walletExt))
	}

	sort.Strings(ids)
	return ids, nil
}

// SaveWallet with optimistic concurrency control
func (s3s *S3Store) SaveWallet(ctx context.Context, walletID string, record []byte, expectedVersion string) (string, error) {
	if err := validateName("wallet id", walletID); err != nil {
		return "", err
	}
	if len(record) == 0 {
		return "", fmt.Errorf("wallet record cannot be empty")
	}
	return s3s.saveVersioned(ctx, s3s.walletKey(walletID), record, expectedVersion, "SaveWallet")
}

// CreateWallet stores record unless walletID already has one. The put
// carries If-None-Match so a concurrent create loses at the backend.
func (s3s *S3Store) CreateWallet(ctx context.Context, walletID string, record []byte) (string, error) {
	if err := validateName("wallet id", walletID); err != nil {
		return "", err
	}
	if len(record) == 0 {
		return "", fmt.Errorf("wallet record cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	key := s3s.walletKey(walletID)
	current, err := s3s.getObjectVersion(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to check wallet %s: %w", walletID, err)
	}
	if current != "" {
		return "", fmt.Errorf("%w: wallet %s", ErrExists, walletID)
	}

	putOptions := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"created-at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	putOptions.SetMatchETagExcept("*")

	info, err := s3s.client.PutObject(ctx, s3s.bucketName, key,
		bytes.NewReader(record), int64(len(record)), putOptions)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", fmt.Errorf("%w: wallet %s", ErrExists, walletID)
		}
		return "", fmt.Errorf("CreateWallet failed: %w", err)
	}

	version := cleanETag(info.ETag)
	log.Tracef("CreateWallet: wrote %d bytes to %s (version=%s)", len(record), key, version)
	return version, nil
}

// LoadWallet returns the versioned record of walletID.
func (s3s *S3Store) LoadWallet(ctx context.Context, walletID string) (*VersionedData, error) {
	if err := validateName("wallet id", walletID); err != nil {
		return nil, err
	}
	return s3s.loadVersioned(ctx, s3s.walletKey(walletID), "wallet "+walletID)
}

// DeleteWallet removes a wallet record.
func (s3s *S3Store) DeleteWallet(ctx context.Context, walletID string) error {
	if err := validateName("wallet id", walletID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	key := s3s.walletKey(walletID)
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
		}
		return fmt.Errorf("failed to check wallet %s: %w", walletID, err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete wallet %s: %w", walletID, err)
	}
	return nil
}

// SaveCurrent stores the id of the selected wallet.
func (s3s *S3Store) SaveCurrent(ctx context.Context, walletID string, expectedVersion string) (string, error) {
	if err := validateName("wallet id", walletID); err != nil {
		return "", err
	}
	return s3s.saveVersioned(ctx, s3s.profilePath("current"), []byte(walletID), expectedVersion, "SaveCurrent")
}

// LoadCurrent returns the id of the selected wallet.
func (s3s *S3Store) LoadCurrent(ctx context.Context) (*VersionedData, error) {
	return s3s.loadVersioned(ctx, s3s.profilePath("current"), "current wallet")
}

// SavePrefs stores the encrypted preference blob.
func (s3s *S3Store) SavePrefs(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("prefs cannot be nil")
	}
	return s3s.saveVersioned(ctx, s3s.profilePath("prefs.dat"), data, expectedVersion, "SavePrefs")
}

// LoadPrefs returns the encrypted preference blob.
func (s3s *S3Store) LoadPrefs(ctx context.Context) (*VersionedData, error) {
	return s3s.loadVersioned(ctx, s3s.profilePath("prefs.dat"), "prefs")
}

func (s3s *S3Store) saveVersioned(ctx context.Context, objectName string, data []byte, expectedVersion, op string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"created-at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		current, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       op,
			}
		}

		// the backend enforces the same check atomically
		putOptions.SetMatchETag(expectedVersion)
	}

	info, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if isPreconditionFailed(err) {
			current, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       op,
			}
		}
		return "", fmt.Errorf("%s failed: %w", op, err)
	}

	version := cleanETag(info.ETag)
	log.Tracef("%s: wrote %d bytes to %s (version=%s)", op, len(data), objectName, version)
	return version, nil
}

func (s3s *S3Store) loadVersioned(ctx context.Context, objectName, what string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
		}
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	defer object.Close()

	// GetObject is lazy; a missing key surfaces on the first read
	data, err := io.ReadAll(object)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
		}
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	timestamp := objectInfo.LastModified
	if createdAt := lookupMetadata(objectInfo.UserMetadata, "created-at"); createdAt != "" {
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsed
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

// SaveBackup stores container under the profile's backups prefix.
func (s3s *S3Store) SaveBackup(ctx context.Context, name string, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	key, err := s3s.backupKey(name)
	if err != nil {
		return err
	}

	if container.Profile == "" {
		container.Profile = s3s.profile
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	// lowercase-hyphen keys survive every S3 implementation's header rewriting
	metadata := map[string]string{
		"backup-id":         container.BackupID,
		"backup-version":    container.BackupVersion,
		"app-version":       container.AppVersion,
		"encryption-method": container.EncryptionMethod,
		"checksum":          container.Checksum,
		"profile":           container.Profile,
		"backup-timestamp":  container.BackupTimestamp.Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: metadata,
		})
	if err != nil {
		return fmt.Errorf("failed to save backup to S3: %w", err)
	}

	log.Infof("Saved backup %s to s3://%s/%s", container.BackupID, s3s.bucketName, key)
	return nil
}

// RestoreBackup loads and validates a backup container.
func (s3s *S3Store) RestoreBackup(ctx context.Context, name string) (*BackupContainer, error) {
	key, err := s3s.backupKey(name)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: backup %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: backup %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read backup container: %w", err)
	}

	var container BackupContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup container: %w", err)
	}

	if ok, reason := ValidateContainer(&container); !ok {
		return nil, fmt.Errorf("invalid backup: %s", reason)
	}

	if container.Profile != "" && container.Profile != s3s.profile {
		log.Warnf("Restoring backup from profile %s into profile %s", container.Profile, s3s.profile)
	}

	return &container, nil
}

// DeleteBackup removes the backup object whose metadata carries backupID.
func (s3s *S3Store) DeleteBackup(ctx context.Context, backupID string) error {
	backups, err := s3s.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups for deletion: %w", err)
	}

	var storePath string
	for _, backup := range backups {
		if backup.BackupID == backupID {
			storePath = backup.StorePath
			break
		}
	}
	if storePath == "" {
		return fmt.Errorf("%w: backup %s", ErrNotFound, backupID)
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	err = s3s.client.RemoveObject(ctx, s3s.bucketName, storePath, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}

	log.Infof("Deleted backup %s", backupID)
	return nil
}

// ListBackups reads backup details from object metadata only.
func (s3s *S3Store) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	prefix := s3s.profilePath("backups") + "/"

	backups := []BackupInfo{}
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, backupExt) {
			continue
		}

		// ListObjects does not carry user metadata
		stat, err := s3s.client.StatObject(ctx, s3s.bucketName, object.Key, minio.StatObjectOptions{})
		if err != nil {
			log.Debugf("ListBackups: failed to stat %s: %v", object.Key, err)
			continue
		}

		backups = append(backups, backupInfoFromMetadata(stat))
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.Before(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func backupInfoFromMetadata(object minio.ObjectInfo) BackupInfo {
	md := object.UserMetadata

	timestamp := object.LastModified
	if ts := lookupMetadata(md, "backup-timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			timestamp = parsed
		}
	}

	backupID := lookupMetadata(md, "backup-id")
	if backupID == "" {
		parts := strings.Split(object.Key, "/")
		backupID = strings.TrimSuffix(parts[len(parts)-1], backupExt)
	}

	return BackupInfo{
		BackupID:         backupID,
		BackupTimestamp:  timestamp,
		AppVersion:       lookupMetadata(md, "app-version"),
		BackupVersion:    lookupMetadata(md, "backup-version"),
		EncryptionMethod: lookupMetadata(md, "encryption-method"),
		Profile:          lookupMetadata(md, "profile"),
		Checksum:         lookupMetadata(md, "checksum"),
		FileSize:         object.Size,
		IsValid:          lookupMetadata(md, "backup-id") != "" && lookupMetadata(md, "checksum") != "",
		StorePath:        object.Key,
	}
}

// lookupMetadata matches keys case-insensitively, treating _ and - alike.
func lookupMetadata(md map[string]string, key string) string {
	want := strings.ToLower(strings.ReplaceAll(key, "_", "-"))
	for k, v := range md {
		if strings.ToLower(strings.ReplaceAll(k, "_", "-")) == want {
			return v
		}
	}
	return ""
}

// Ping checks that the bucket is reachable.
func (s3s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

// Close records the last access time in the profile config.
func (s3s *S3Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.profilePath("profile.config")
	current, err := s3s.loadVersioned(ctx, objectName, "profile config")
	if err != nil {
		return nil
	}

	var config ProfileConfig
	if err := json.Unmarshal(current.Data, &config); err != nil {
		return nil
	}
	config.LastAccess = time.Now().UTC()

	updated, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil
	}

	_, _ = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(updated), int64(len(updated)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":  "profile-config",
				"profile":    s3s.profile,
				"updated-at": config.LastAccess.Format(time.RFC3339),
			},
		},
	)
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) profilePath(components ...string) string {
	return s3s.pathFor(s3s.profile, components...)
}

func (s3s *S3Store) pathFor(profile string, components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		parts = append(parts, s3s.keyPrefix)
	}
	if profile != "" {
		parts = append(parts, profile)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) walletKey(walletID string) string {
	return s3s.profilePath("wallets", walletID+walletExt)
}

func (s3s *S3Store) backupKey(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("backup path cannot be empty")
	}
	name = strings.TrimSuffix(name, backupExt)
	if err := validateName("backup name", name); err != nil {
		return "", err
	}
	return s3s.profilePath("backups", name+backupExt), nil
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return cleanETag(objInfo.ETag), nil
}

func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isPreconditionFailed(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
}

func isNotFound(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
