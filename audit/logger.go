package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Profile  string                 `json:"profile" yaml:"profile"`
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog"
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event. Events never carry secrets: failure
// causes are recorded as a short reason code in Error.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Profile   string                 `json:"profile"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	WalletID  string                 `json:"wallet_id,omitempty"`
	Address   string                 `json:"address,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Profile        string
	Since          *time.Time
	Until          *time.Time
	Action         string
	Success        *bool // nil = all, true = only success, false = only failures
	WalletID       string
	Address        string
	Limit          int
	Offset         int
	PasswordAccess bool // only events that used a wallet password
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// Well known actions.
const (
	ActionWalletImported  = "WALLET_IMPORTED"
	ActionWalletSelected  = "WALLET_SELECTED"
	ActionWalletDeleted   = "WALLET_DELETED"
	ActionWalletUnlock    = "WALLET_UNLOCK"
	ActionPasswordChanged = "PASSWORD_CHANGED"
	ActionTxSign          = "TX_SIGN"
	ActionPrefSet         = "PREF_SET"
	ActionPrefDeleted     = "PREF_DELETED"
	ActionBackupCreated   = "BACKUP_CREATED"
	ActionBackupRestored  = "BACKUP_RESTORED"
)

// Metadata keys with a dedicated Event field.
const (
	MetaWalletID = "wallet_id"
	MetaAddress  = "address"
	MetaError    = "error"
	MetaSession  = "session_id"
)

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an event and lifts the well known metadata keys into
// their fields.
func newEvent(profile, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Profile:   profile,
		Action:    action,
		Success:   success,
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		s, isString := v.(string)
		switch {
		case k == MetaWalletID && isString:
			event.WalletID = s
		case k == MetaAddress && isString:
			event.Address = s
		case k == MetaError && isString:
			event.Error = s
		case k == MetaSession && isString:
			event.SessionID = s
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// isSecurityCriticalAction reports whether an action changes who can reach
// a wallet's keys.
func isSecurityCriticalAction(action string) bool {
	switch action {
	case ActionWalletUnlock, ActionPasswordChanged, ActionTxSign,
		ActionWalletDeleted, ActionBackupRestored:
		return true
	}
	return false
}
