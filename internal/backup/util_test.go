package backup

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateBackupID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := GenerateBackupID(now)
	b := GenerateBackupID(now)

	assert.True(t, strings.HasPrefix(a, "backup_1700000000_"))
	assert.Len(t, a, len("backup_1700000000_")+16)
	assert.NotEqual(t, a, b)
}

func TestSupportedVersion(t *testing.T) {
	assert.True(t, SupportedVersion(FormatVersion))
	assert.False(t, SupportedVersion("0.9"))
}
