package persist

import (
	"encoding/base64"
	"fmt"
	"strings"

	"southwinds.dev/walletguard/internal/crypto"
)

const (
	// DefaultProfile is used when no profile name is given.
	DefaultProfile = "default"

	backupExt = ".wgbk"
	walletExt = ".wallet"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, profile string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config, profile)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, profile)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateName checks a profile or wallet id before it becomes part of a
// path or object key.
func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}

	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/\\ \x00") {
		return fmt.Errorf("%s contains invalid characters", kind)
	}

	if len(name) > 100 {
		return fmt.Errorf("%s too long (max 100 characters)", kind)
	}

	return nil
}

// ValidateContainer checks the required fields and the checksum of a backup
// container. The string explains the first problem found.
func ValidateContainer(container *BackupContainer) (bool, string) {
	if container.BackupID == "" {
		return false, "missing BackupID"
	}
	if container.EncryptedData == "" {
		return false, "missing EncryptedData"
	}
	if container.Checksum == "" {
		return false, "missing Checksum"
	}

	encryptedData, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in EncryptedData: %v", err)
	}

	actual := crypto.CalculateChecksum(encryptedData)
	if actual != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch - expected: %s, actual: %s",
			container.Checksum, actual)
	}

	return true, ""
}

func profileOrDefault(profile string) string {
	if profile == "" {
		return DefaultProfile
	}
	return profile
}
