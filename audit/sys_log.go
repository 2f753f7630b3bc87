//go:build !windows

package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/syslog"
	"strings"
)

// Ensure SyslogLogger implements Logger interface
var _ Logger = (*SyslogLogger)(nil)

// ErrQueryUnsupported is returned by loggers that cannot read events back.
var ErrQueryUnsupported = errors.New("audit logger does not support querying")

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", "" for the local daemon
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// SyslogLogger writes events to syslog. It cannot be queried.
type SyslogLogger struct {
	config     *Config
	syslogOpts SyslogOptions
	writer     *syslog.Writer
}

// NewSyslogLogger creates a new syslog audit logger with options
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		switch config.LogLevel {
		case "error":
			syslogOpts.Priority = int(syslog.LOG_ERR | syslog.LOG_AUTH)
		case "warn":
			syslogOpts.Priority = int(syslog.LOG_WARNING | syslog.LOG_AUTH)
		default:
			syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_AUTH)
		}
	}
	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "walletguard"
	}

	var (
		writer *syslog.Writer
		err    error
	)
	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{
		config:     config,
		syslogOpts: syslogOpts,
		writer:     writer,
	}, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}

	return s.writeEvent(newEvent(s.config.Profile, action, success, metadata))
}

func (s *SyslogLogger) Close() error {
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

// Query always fails: syslog is write-only from here.
func (s *SyslogLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{}, ErrQueryUnsupported
}

func (s *SyslogLogger) writeEvent(event Event) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	msg, err := formatSyslogMessage(event)
	if err != nil {
		return err
	}

	switch {
	case !event.Success && isSecurityCriticalAction(event.Action):
		return s.writer.Err(msg)
	case !event.Success:
		return s.writer.Warning(msg)
	case isSecurityCriticalAction(event.Action):
		return s.writer.Notice(msg)
	case s.config.LogLevel == "error" || s.config.LogLevel == "warn":
		return nil
	default:
		return s.writer.Info(msg)
	}
}

// formatSyslogMessage renders the indexed fields as key=value pairs so syslog
// filters can match on them, followed by the remaining metadata as JSON.
func formatSyslogMessage(event Event) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "action=%s success=%t profile=%s id=%s", event.Action, event.Success, event.Profile, event.ID)
	if event.WalletID != "" {
		fmt.Fprintf(&b, " wallet=%s", event.WalletID)
	}
	if event.Address != "" {
		fmt.Fprintf(&b, " address=%s", event.Address)
	}
	if event.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", event.SessionID)
	}
	if event.Error != "" {
		fmt.Fprintf(&b, " reason=%q", event.Error)
	}
	if len(event.Metadata) > 0 {
		meta, err := json.Marshal(event.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		b.WriteString(" meta=")
		b.Write(meta)
	}
	return b.String(), nil
}
