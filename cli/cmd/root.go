package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/walletguard"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/internal/misc"
	"southwinds.dev/walletguard/persist"
)

const (
	envPrefix          = "WALLETGUARD"
	configName         = ".walletguard"
	secretFileName     = "installation.secret"
	installationSecret = 32
)

var (
	cfgFile     string
	dataDir     string
	profile     string
	core        *walletguard.Core
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

var rootCmd = &cobra.Command{
	Use:   "walletguard",
	Short: "Secure seed storage and transaction signing for a desktop wallet",
	Long: `walletguard keeps wallet seeds encrypted at rest and in memory. A seed is
decrypted only for the duration of a single operation, such as deriving the
key that signs a transaction, and is wiped immediately afterwards.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeCore,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

// Execute runs the root command and exits with status 1 on failure.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		_ = shutdown()
		fmt.Fprintln(os.Stderr, formatError(err))
		memguard.SafeExit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.walletguard.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "walletguard data directory")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "wallet profile")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error, off)")
	rootCmd.PersistentFlags().Bool("log-console", false, "also write logs to stderr")

	bindFlagOrPanic("walletguard.data_dir", "data-dir")
	bindFlagOrPanic("walletguard.profile", "profile")
	bindFlagOrPanic("walletguard.store_type", "store-type")
	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("log.console", "log-console")

	rootCmd.PersistentFlags().String("rpc-url", "", "JSON-RPC endpoint signed transactions are bound to")
	rootCmd.PersistentFlags().Uint64("chain-id", 0, "chain id signed transactions are bound to")
	bindFlagOrPanic("network.rpc_url", "rpc-url")
	bindFlagOrPanic("network.chain_id", "chain-id")

	rootCmd.PersistentFlags().Bool("audit", true, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("walletguard.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("walletguard.s3.region", "s3-region")
	bindFlagOrPanic("walletguard.s3.bucket", "s3-bucket")
	bindFlagOrPanic("walletguard.s3.prefix", "s3-prefix")
	bindFlagOrPanic("walletguard.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("walletguard.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("walletguard.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(configName)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".walletguard"
	}
	return filepath.Join(home, ".walletguard")
}

func setDefaults() {
	viper.SetDefault("walletguard.data_dir", defaultDataDir())
	viper.SetDefault("walletguard.profile", persist.DefaultProfile)
	viper.SetDefault("walletguard.store_type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("walletguard.derivation_path", misc.DefaultDerivationPath)
	viper.SetDefault("walletguard.max_address_scan", misc.MaxAddressScan)
	viper.SetDefault("walletguard.seed_cipher", crypto.AESCBC{}.Name())
	viper.SetDefault("walletguard.memory_lock", true)
	viper.SetDefault("walletguard.force_gc", false)

	viper.SetDefault("walletguard.s3.region", "us-east-1")
	viper.SetDefault("walletguard.s3.prefix", "walletguard/")
	viper.SetDefault("walletguard.s3.use_ssl", true)

	viper.SetDefault("network.rpc_url", "http://127.0.0.1:8545")
	viper.SetDefault("network.chain_id", 1)

	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.file_path", "audit.log")
	viper.SetDefault("audit.options.max_size", 10)
	viper.SetDefault("audit.options.max_backups", 3)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.console", false)
	viper.SetDefault("log.file", filepath.Join("logs", "walletguard.log"))
	viper.SetDefault("log.max_size", 10)
	viper.SetDefault("log.max_files", 3)
}

// skipsCore reports whether cmd runs without opening the wallet store.
func skipsCore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config":
			return true
		}
	}
	return false
}

func initializeCore(cmd *cobra.Command, args []string) error {
	if skipsCore(cmd) {
		return nil
	}

	dataDir = viper.GetString("walletguard.data_dir")
	profile = viper.GetString("walletguard.profile")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := initLogging(); err != nil {
		return err
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.NewString(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	secret, err := loadInstallationSecret(filepath.Join(dataDir, secretFileName))
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(secret)

	seedCipher, err := crypto.CipherByName(viper.GetString("walletguard.seed_cipher"))
	if err != nil {
		return err
	}

	storeConfig, err := buildStoreConfig(viper.GetString("walletguard.store_type"))
	if err != nil {
		return err
	}

	core, err = walletguard.New(ctx(cmd), walletguard.Config{
		Profile:            profile,
		StoreConfig:        storeConfig,
		AuditConfig:        buildAuditConfig(),
		InstallationSecret: secret,
		SeedCipher:         seedCipher,
		Network: walletguard.StaticNetwork{
			URL: viper.GetString("network.rpc_url"),
			ID:  viper.GetUint64("network.chain_id"),
		},
		DerivationPath:   viper.GetString("walletguard.derivation_path"),
		MaxAddressScan:   viper.GetInt("walletguard.max_address_scan"),
		EnableMemoryLock: viper.GetBool("walletguard.memory_lock"),
		ForceGC:          viper.GetBool("walletguard.force_gc"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize walletguard: %w", err)
	}
	auditLogger = core.Audit()

	cliLog.Debugf("session %s started for %s@%s", cliContext.SessionID, cliContext.UserID, cliContext.Source)
	return nil
}

func initLogging() error {
	logFile := viper.GetString("log.file")
	if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(dataDir, logFile)
	}
	if err := initLogRotator(logFile, viper.GetInt("log.max_size"), viper.GetInt("log.max_files")); err != nil {
		return err
	}
	writer.console = viper.GetBool("log.console")
	setLogLevels(viper.GetString("log.level"))
	return nil
}

func shutdown() error {
	var err error
	if core != nil {
		err = core.Close()
		core = nil
		auditLogger = nil
	}
	closeLogRotator()
	return err
}

// loadInstallationSecret reads the per-installation secret behind the
// preference store, creating it on first run.
func loadInstallationSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil {
		if len(secret) < walletguard.MinInstallationSecret {
			memguard.WipeBytes(secret)
			return nil, fmt.Errorf("installation secret %s is truncated", path)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read installation secret: %w", err)
	}

	buf := memguard.NewBufferRandom(installationSecret)
	defer buf.Destroy()
	secret = make([]byte, installationSecret)
	copy(secret, buf.Bytes())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		memguard.WipeBytes(secret)
		return nil, fmt.Errorf("failed to create installation secret: %w", err)
	}
	defer f.Close()

	if _, err = f.Write(secret); err != nil {
		memguard.WipeBytes(secret)
		return nil, fmt.Errorf("failed to write installation secret: %w", err)
	}
	return secret, nil
}

func buildStoreConfig(storeType string) (persist.StoreConfig, error) {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeFileSystem, "file":
		return persist.StoreConfig{
			Type: persist.StoreTypeFileSystem,
			Config: map[string]interface{}{
				"base_path": filepath.Join(dataDir, "store"),
			},
		}, nil

	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("walletguard.s3.endpoint"),
			AccessKeyID:     viper.GetString("walletguard.s3.access_key_id"),
			SecretAccessKey: viper.GetString("walletguard.s3.secret_access_key"),
			Bucket:          viper.GetString("walletguard.s3.bucket"),
			KeyPrefix:       viper.GetString("walletguard.s3.prefix"),
			UseSSL:          viper.GetBool("walletguard.s3.use_ssl"),
			Region:          viper.GetString("walletguard.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          s3Config.Endpoint,
				"access_key_id":     s3Config.AccessKeyID,
				"secret_access_key": s3Config.SecretAccessKey,
				"bucket":            s3Config.Bucket,
				"key_prefix":        s3Config.KeyPrefix,
				"use_ssl":           s3Config.UseSSL,
				"region":            s3Config.Region,
			},
		}, nil

	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3", storeType)
	}
}

func buildAuditConfig() audit.Config {
	auditPath := viper.GetString("audit.options.file_path")
	if !filepath.IsAbs(auditPath) {
		auditPath = filepath.Join(dataDir, auditPath)
	}
	return audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Profile: profile,
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   auditPath,
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("log.level"),
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "walletguard.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "walletguard.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey != hasSecretKey {
		missing = append(missing, "walletguard.s3.access_key_id and walletguard.s3.secret_access_key")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func isSensitiveFlag(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range []string{"passphrase", "password", "secret", "key", "token", "mnemonic"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns the login name, falling back to $USER.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		cliLog.Warnf("could not get current user: %v", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		cliLog.Warnf("could not get hostname: %v", err)
		return "unknown_host"
	}
	return hostname
}

// ctx returns the command context, which cobra leaves nil when Execute is
// used without one.
func ctx(cmd *cobra.Command) context.Context {
	if c := cmd.Context(); c != nil {
		return c
	}
	return context.Background()
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger == nil {
		return now
	}
	err := auditLogger.Log("COMMAND_START", true, map[string]interface{}{
		"command":         cmd.CommandPath(),
		"args":            sanitizeArgs(args),
		"flags":           sanitizeFlags(cmd),
		"user_id":         cliContext.UserID,
		audit.MetaSession: cliContext.SessionID,
		"source":          cliContext.Source,
	})
	if err != nil {
		cliLog.Errorf("failed to audit command start: %v", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		_ = auditLogger.Log("COMMAND_COMPLETE", err == nil, map[string]interface{}{
			"command":         cmd.CommandPath(),
			"duration_ms":     time.Since(startedTime).Milliseconds(),
			"user_id":         cliContext.UserID,
			audit.MetaSession: cliContext.SessionID,
			audit.MetaError:   errorReason(err),
		})
	}
	return err
}

// errorReason is the audit reason for a command failure. It never carries
// the error text, which may quote user input.
func errorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, walletguard.ErrDecryption):
		return "decryption"
	case errors.Is(err, walletguard.ErrAddressNotFound):
		return "address_not_found"
	default:
		return "failed"
	}
}

// formatError renders err for the terminal. Unlock and signing failures use
// the fixed user facing message.
func formatError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, walletguard.ErrDecryption) || errors.Is(err, walletguard.ErrAddressNotFound) {
		return "Error: " + walletguard.UserMessage(err)
	}

	var messages []string
	seen := make(map[string]bool)
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); !seen[msg] {
			messages = append(messages, msg)
			seen[msg] = true
		}
	}

	message := strings.Join(messages[:1], "")
	if message != "" {
		message = strings.ToUpper(message[:1]) + message[1:]
	}
	if len(messages) > 1 {
		return fmt.Sprintf("Error: %s (caused by: %s)", message, messages[len(messages)-1])
	}
	return "Error: " + message
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if containsSensitiveData(arg) {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

// containsSensitiveData flags arguments that look like a mnemonic or a raw
// 32 byte key.
func containsSensitiveData(arg string) bool {
	if len(strings.Fields(arg)) >= 12 {
		return true
	}
	h := strings.TrimPrefix(strings.ToLower(arg), "0x")
	if len(h) != 64 {
		return false
	}
	for _, r := range h {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
