package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// FormatVersion is written into every backup container.
	FormatVersion = "1"

	// EncryptionMethod names the passphrase scheme of crypto.EncryptWithPassphrase.
	EncryptionMethod = "pbkdf2-sha256+xchacha20-poly1305"
)

// GenerateBackupID returns an id that sorts by creation time.
func GenerateBackupID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("backup_%d_%s", now.Unix(), random[:16])
}

// SupportedVersion reports whether a container of version can be restored.
func SupportedVersion(version string) bool {
	return version == FormatVersion
}
