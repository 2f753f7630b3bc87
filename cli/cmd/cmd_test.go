package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/walletguard"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/persist"
)

func TestContainsSensitiveData(t *testing.T) {
	mnemonic := strings.Repeat("abandon ", 11) + "about"
	key := strings.Repeat("ab", 32)

	assert.True(t, containsSensitiveData(mnemonic))
	assert.True(t, containsSensitiveData(key))
	assert.True(t, containsSensitiveData("0x"+strings.ToUpper(key)))

	assert.False(t, containsSensitiveData("main"))
	assert.False(t, containsSensitiveData("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"))
	assert.False(t, containsSensitiveData(strings.Repeat("zz", 32)))

	assert.Equal(t, []string{"main", "[REDACTED]"}, sanitizeArgs([]string{"main", mnemonic}))
}

func TestIsSensitiveFlag(t *testing.T) {
	for _, name := range []string{"password", "mnemonic-passphrase", "secret_access_key", "access-key"} {
		assert.True(t, isSensitiveFlag(name), name)
	}
	assert.False(t, isSensitiveFlag("json"))
	assert.False(t, isSensitiveFlag("count"))
}

func TestFormatError(t *testing.T) {
	assert.Empty(t, formatError(nil))

	unlock := fmt.Errorf("failed to unlock: %w", walletguard.ErrDecryption)
	assert.Equal(t, "Error: "+walletguard.UserMessage(walletguard.ErrDecryption), formatError(unlock))

	root := errors.New("connection refused")
	wrapped := fmt.Errorf("failed to list wallets: %w", root)
	assert.Equal(t, "Error: Failed to list wallets: connection refused (caused by: connection refused)", formatError(wrapped))

	assert.Equal(t, "Error: Boom", formatError(errors.New("boom")))
	assert.Equal(t, "Error: ", formatError(errors.New("")))
}

func TestErrorReason(t *testing.T) {
	assert.Empty(t, errorReason(nil))
	assert.Equal(t, "decryption", errorReason(fmt.Errorf("x: %w", walletguard.ErrDecryption)))
	assert.Equal(t, "address_not_found", errorReason(walletguard.ErrAddressNotFound))
	assert.Equal(t, "failed", errorReason(errors.New("password was hunter2")))
}

func TestLoadInstallationSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), secretFileName)

	first, err := loadInstallationSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, installationSecret)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := loadInstallationSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "the secret is stable across runs")

	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
	_, err = loadInstallationSecret(path)
	assert.Error(t, err)
}

func TestBuildStoreConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	dataDir = t.TempDir()

	cfg, err := buildStoreConfig("filesystem")
	require.NoError(t, err)
	assert.Equal(t, persist.StoreTypeFileSystem, cfg.Type)
	assert.Equal(t, filepath.Join(dataDir, "store"), cfg.Config["base_path"])

	_, err = buildStoreConfig("s3")
	assert.ErrorContains(t, err, "walletguard.s3.endpoint")

	viper.Set("walletguard.s3.endpoint", "localhost:9000")
	viper.Set("walletguard.s3.bucket", "wallets")
	viper.Set("walletguard.s3.access_key_id", "id")
	_, err = buildStoreConfig("s3")
	assert.ErrorContains(t, err, "secret_access_key")

	viper.Set("walletguard.s3.secret_access_key", "secret")
	cfg, err = buildStoreConfig("S3")
	require.NoError(t, err)
	assert.Equal(t, persist.StoreTypeS3, cfg.Type)
	assert.Equal(t, "wallets", cfg.Config["bucket"])

	_, err = buildStoreConfig("redis")
	assert.Error(t, err)
}

func TestBuildAuditConfigRelativePath(t *testing.T) {
	t.Cleanup(viper.Reset)
	dataDir = t.TempDir()

	viper.Set("audit.enabled", true)
	viper.Set("audit.type", "file")
	viper.Set("audit.options.file_path", "audit.log")
	cfg := buildAuditConfig()
	assert.Equal(t, filepath.Join(dataDir, "audit.log"), cfg.Options["file_path"])

	abs := filepath.Join(t.TempDir(), "elsewhere.log")
	viper.Set("audit.options.file_path", abs)
	assert.Equal(t, abs, buildAuditConfig().Options["file_path"])
}

func TestCalculateAuditStats(t *testing.T) {
	now := time.Now().UTC()
	events := []audit.Event{
		{Action: audit.ActionTxSign, Success: true, WalletID: "main", Timestamp: now},
		{Action: audit.ActionTxSign, Success: false, Error: "denied", WalletID: "main", Timestamp: now.Add(time.Second)},
		{Action: audit.ActionWalletUnlock, Success: false, Error: "decryption", WalletID: "main", Timestamp: now.Add(2 * time.Second)},
		{Action: audit.ActionWalletUnlock, Success: false, Error: "decryption", WalletID: "cold", Timestamp: now.Add(-time.Second)},
	}

	stats := calculateAuditStats(events, "default")
	assert.Equal(t, 4, stats.TotalEvents)
	assert.Equal(t, 1, stats.SuccessfulEvents)
	assert.Equal(t, 3, stats.FailedEvents)
	assert.InDelta(t, 25.0, stats.SuccessRate, 0.001)
	assert.Equal(t, 2, stats.FailedUnlocks)
	assert.Equal(t, 1, stats.DeniedRequests)
	assert.Equal(t, 1, stats.Signatures)

	require.NotEmpty(t, stats.TopFailedActions)
	assert.Equal(t, ActionCount{Action: audit.ActionWalletUnlock, Count: 2}, stats.TopFailedActions[0])
	assert.Equal(t, WalletCount{WalletID: "main", Count: 3}, stats.TopWallets[0])
	assert.Equal(t, now.Add(-time.Second), *stats.FirstEvent)
	assert.Equal(t, now.Add(2*time.Second), *stats.LastEvent)

	empty := calculateAuditStats(nil, "default")
	assert.Zero(t, empty.TotalEvents)
	assert.Nil(t, empty.FirstEvent)
}

func TestConvertValue(t *testing.T) {
	assert.Equal(t, true, convertValue("yes"))
	assert.Equal(t, false, convertValue("off"))
	assert.Equal(t, 42, convertValue("42"))
	assert.Equal(t, 1.5, convertValue("1.5"))
	assert.Nil(t, convertValue("null"))
	assert.Equal(t, "m/44'/60'/0'/0", convertValue("m/44'/60'/0'/0"))
}

func TestValidateConfigValue(t *testing.T) {
	assert.NoError(t, validateConfigValue("walletguard.store_type", "s3"))
	assert.Error(t, validateConfigValue("walletguard.store_type", "redis"))
	assert.NoError(t, validateConfigValue("walletguard.derivation_path", "m/44'/60'/1'/0"))
	assert.Error(t, validateConfigValue("walletguard.derivation_path", "44/60"))
	assert.NoError(t, validateConfigValue("walletguard.seed_cipher", "xchacha20-poly1305"))
	assert.Error(t, validateConfigValue("walletguard.seed_cipher", "des"))
	assert.Error(t, validateConfigValue("network.chain_id", 0))
	assert.NoError(t, validateConfigValue("network.chain_id", 1337))
	assert.Error(t, validateConfigValue("log.level", "loud"))
	assert.NoError(t, validateConfigValue("network.rpc_url", "http://localhost:8545"))
}

func TestUnsetNestedKey(t *testing.T) {
	config := map[string]interface{}{
		"network": map[string]interface{}{"rpc_url": "x", "chain_id": 1},
	}
	require.NoError(t, unsetNestedKey(config, "network.rpc_url"))
	assert.Equal(t, map[string]interface{}{"chain_id": 1}, config["network"])

	assert.Error(t, unsetNestedKey(config, "audit.options.file_path"))
}

func TestMaskSensitiveValues(t *testing.T) {
	config := map[string]interface{}{
		"walletguard": map[string]interface{}{
			"s3": map[string]interface{}{
				"bucket":            "wallets",
				"secret_access_key": "hunter2",
				"access_key_id":     "id",
			},
		},
	}
	maskSensitiveValues(config)

	s3 := config["walletguard"].(map[string]interface{})["s3"].(map[string]interface{})
	assert.Equal(t, "wallets", s3["bucket"])
	assert.Equal(t, "[REDACTED]", s3["secret_access_key"])
	assert.Equal(t, "[REDACTED]", s3["access_key_id"])
}

func TestConfigTemplatesValidate(t *testing.T) {
	for _, name := range []string{"minimal", "default", "full"} {
		tmpl := getConfigTemplate(name)
		assert.Contains(t, tmpl, "walletguard", name)
		assert.Contains(t, tmpl, "network", name)
	}
	full := getConfigTemplate("full")
	assert.Contains(t, full, "log")
}
