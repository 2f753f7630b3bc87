package audit

import (
	"errors"
	"fmt"
)

// ErrQueryUnsupported is returned by loggers that cannot read events back.
var ErrQueryUnsupported = errors.New("audit logger does not support querying")

// SyslogLogger is unavailable on Windows.
type SyslogLogger struct{}

func NewSyslogLogger(*Config) (*SyslogLogger, error) {
	return nil, fmt.Errorf("syslog audit logger is not supported on windows")
}

func (s *SyslogLogger) Log(string, bool, map[string]interface{}) error {
	return fmt.Errorf("syslog audit logger is not supported on windows")
}

func (s *SyslogLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{}, ErrQueryUnsupported
}

func (s *SyslogLogger) Close() error { return nil }
