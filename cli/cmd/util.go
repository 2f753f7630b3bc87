package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/internal/crypto"
)

// configKeys lists the settable configuration keys with their descriptions.
var configKeys = map[string]string{
	"walletguard.data_dir":             "Directory holding the store, logs and installation secret",
	"walletguard.profile":              "Wallet profile",
	"walletguard.store_type":           "Storage backend type (filesystem, s3)",
	"walletguard.derivation_path":      "Default BIP-44 derivation path for imports",
	"walletguard.max_address_scan":     "Address indices searched when signing",
	"walletguard.seed_cipher":          "Cipher sealing new wallet seeds (aes-256-cbc-hmac-sha256, xchacha20-poly1305)",
	"walletguard.memory_lock":          "Lock process memory to keep secrets out of swap",
	"walletguard.force_gc":             "Run the garbage collector after wiping secrets",
	"walletguard.s3.endpoint":          "S3 endpoint",
	"walletguard.s3.bucket":            "S3 bucket name",
	"walletguard.s3.region":            "S3 region",
	"walletguard.s3.prefix":            "S3 key prefix",
	"walletguard.s3.use_ssl":           "Use SSL for S3 connections",
	"walletguard.s3.access_key_id":     "S3 access key ID",
	"walletguard.s3.secret_access_key": "S3 secret access key",
	"network.rpc_url":                  "JSON-RPC endpoint signed transactions are bound to",
	"network.chain_id":                 "Chain id signed transactions are bound to",
	"audit.enabled":                    "Enable audit logging",
	"audit.type":                       "Audit logger type (file, syslog)",
	"audit.options.file_path":          "Audit log file path",
	"audit.options.max_size":           "Audit log size in MB before rotation",
	"audit.options.max_backups":        "Rotated audit logs to keep",
	"log.level":                        "Log level (trace, debug, info, warn, error, critical, off)",
	"log.console":                      "Also write logs to stderr",
	"log.file":                         "Log file path",
	"log.max_size":                     "Log size in MB before rotation",
	"log.max_files":                    "Rotated log files to keep",
}

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, configName+".yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}

	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	base := map[string]interface{}{
		"walletguard": map[string]interface{}{
			"profile":    "default",
			"store_type": "filesystem",
		},
		"network": map[string]interface{}{
			"rpc_url":  "http://127.0.0.1:8545",
			"chain_id": 1,
		},
	}

	switch template {
	case "minimal":
		return base
	case "full":
		wg := base["walletguard"].(map[string]interface{})
		wg["data_dir"] = defaultDataDir()
		wg["derivation_path"] = "m/44'/60'/0'/0"
		wg["max_address_scan"] = 100
		wg["memory_lock"] = true
		wg["force_gc"] = false
		wg["s3"] = map[string]interface{}{
			"endpoint": "",
			"bucket":   "",
			"region":   "us-east-1",
			"prefix":   "walletguard/",
			"use_ssl":  true,
		}
		base["audit"] = map[string]interface{}{
			"enabled": true,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path":   "audit.log",
				"max_size":    10,
				"max_backups": 3,
			},
		}
		base["log"] = map[string]interface{}{
			"level":     "info",
			"console":   false,
			"max_size":  10,
			"max_files": 3,
		}
		return base
	default:
		base["audit"] = map[string]interface{}{
			"enabled": true,
			"type":    "file",
		}
		return base
	}
}

func validateConfiguration() []string {
	var errs []string

	storeType := viper.GetString("walletguard.store_type")
	switch storeType {
	case "filesystem", "file":
	case "s3":
		if viper.GetString("walletguard.s3.bucket") == "" {
			errs = append(errs, "S3 bucket is required when using S3 store")
		}
		if viper.GetString("walletguard.s3.endpoint") == "" {
			errs = append(errs, "S3 endpoint is required when using S3 store")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid store type: %s (must be one of: filesystem, s3)", storeType))
	}

	if _, err := hdwallet.ParsePath(viper.GetString("walletguard.derivation_path")); err != nil {
		errs = append(errs, fmt.Sprintf("invalid derivation path: %v", err))
	}
	if _, err := crypto.CipherByName(viper.GetString("walletguard.seed_cipher")); err != nil {
		errs = append(errs, err.Error())
	}
	if viper.GetInt("walletguard.max_address_scan") <= 0 {
		errs = append(errs, "max_address_scan must be positive")
	}
	if viper.GetString("network.rpc_url") == "" {
		errs = append(errs, "network.rpc_url is required")
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if !contains([]string{"file", "syslog"}, auditType) {
			errs = append(errs, fmt.Sprintf("invalid audit type: %s (must be one of: file, syslog)", auditType))
		}
		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			errs = append(errs, "audit file path is required when using file audit")
		}
	}
	return errs
}

// getStoreConfigSummary describes the configured store without secrets.
func getStoreConfigSummary() string {
	switch strings.ToLower(viper.GetString("walletguard.store_type")) {
	case "s3":
		return fmt.Sprintf("bucket=%s, region=%s, prefix=%s",
			viper.GetString("walletguard.s3.bucket"),
			viper.GetString("walletguard.s3.region"),
			viper.GetString("walletguard.s3.prefix"))
	default:
		return fmt.Sprintf("path=%s", filepath.Join(viper.GetString("walletguard.data_dir"), "store"))
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" && viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv(envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	return printJSON(config)
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return nil
}

func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysJSON(keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// flattenKeys flattens nested maps into dot separated keys.
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range []string{"passphrase", "password", "secret", "access_key", "token", "mnemonic"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

func getDefaultEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}

	var editors []string
	fallback := "vi"
	switch runtime.GOOS {
	case "windows":
		editors, fallback = []string{"notepad++.exe", "notepad.exe", "code.exe"}, "notepad.exe"
	case "darwin":
		editors, fallback = []string{"code", "nano", "vim", "vi"}, "nano"
	default:
		editors = []string{"nano", "vim", "vi", "emacs", "code"}
	}
	for _, editor := range editors {
		if _, err := exec.LookPath(editor); err == nil {
			return editor
		}
	}
	return fallback
}

func executeEditor(editor, file string) error {
	var cmd *exec.Cmd
	switch {
	case strings.Contains(editor, "code"):
		cmd = exec.Command(editor, "--wait", file)
	case strings.Contains(editor, "notepad++"):
		cmd = exec.Command(editor, "-multiInst", "-notabbar", file)
	default:
		cmd = exec.Command(editor, file)
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// convertValue converts a command line value to the most specific type.
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	case "null", "nil":
		return nil
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// validateConfigValue checks a value before it is written to the config file.
func validateConfigValue(key string, value interface{}) error {
	switch key {
	case "walletguard.store_type":
		if s, ok := value.(string); !ok || !contains([]string{"filesystem", "s3"}, s) {
			return fmt.Errorf("invalid store type: %v (valid: filesystem, s3)", value)
		}
	case "audit.type":
		if s, ok := value.(string); !ok || !contains([]string{"file", "syslog"}, s) {
			return fmt.Errorf("invalid audit type: %v (valid: file, syslog)", value)
		}
	case "walletguard.derivation_path":
		s, _ := value.(string)
		if _, err := hdwallet.ParsePath(s); err != nil {
			return fmt.Errorf("invalid derivation path: %w", err)
		}
	case "walletguard.seed_cipher":
		s, _ := value.(string)
		if _, err := crypto.CipherByName(s); err != nil {
			return err
		}
	case "walletguard.max_address_scan", "network.chain_id":
		if n, ok := value.(int); !ok || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
	case "log.level":
		s, _ := value.(string)
		if !contains([]string{"trace", "debug", "info", "warn", "error", "critical", "off"}, s) {
			return fmt.Errorf("invalid log level: %v", value)
		}
	}
	return nil
}
