package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	"southwinds.dev/walletguard"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/persist"
	"southwinds.dev/walletguard/prefs"
	"southwinds.dev/walletguard/protect"
)

// logWriter sends log lines to stderr and, once initLogRotator has run, to
// the rotating log file.
type logWriter struct {
	rotatorPipe *io.PipeWriter
	console     bool
}

func (w *logWriter) Write(b []byte) (int, error) {
	if w.console {
		_, _ = os.Stderr.Write(b)
	}
	if w.rotatorPipe != nil {
		_, _ = w.rotatorPipe.Write(b)
	}
	return len(b), nil
}

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers write to it. New subsystems are added here and to
// subsystemLoggers.
var (
	writer = &logWriter{}

	backendLog = btclog.NewBackend(writer)

	// logRotator must be closed on shutdown.
	logRotator *rotator.Rotator

	cliLog  = backendLog.Logger("WCLI")
	wgrdLog = backendLog.Logger(walletguard.Subsystem)
	gateLog = backendLog.Logger(gate.Subsystem)
	protLog = backendLog.Logger(protect.Subsystem)
	hdwlLog = backendLog.Logger(hdwallet.Subsystem)
	storLog = backendLog.Logger(persist.Subsystem)
	prefLog = backendLog.Logger(prefs.Subsystem)
	audtLog = backendLog.Logger(audit.Subsystem)
)

func init() {
	walletguard.UseLogger(wgrdLog)
	gate.UseLogger(gateLog)
	protect.UseLogger(protLog)
	hdwallet.UseLogger(hdwlLog)
	persist.UseLogger(storLog)
	prefs.UseLogger(prefLog)
	audit.UseLogger(audtLog)

	setLogLevels("off")
}

var subsystemLoggers = map[string]btclog.Logger{
	"WCLI":                cliLog,
	walletguard.Subsystem: wgrdLog,
	gate.Subsystem:        gateLog,
	protect.Subsystem:     protLog,
	hdwallet.Subsystem:    hdwlLog,
	persist.Subsystem:     storLog,
	prefs.Subsystem:       prefLog,
	audit.Subsystem:       audtLog,
}

// initLogRotator starts writing logs to logFile, rolling it once it grows
// past maxSizeMB and keeping maxFiles old files.
func initLogRotator(logFile string, maxSizeMB, maxFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		if err := r.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to run file rotator: %v\n", err)
		}
	}()

	writer.rotatorPipe = pw
	logRotator = r
	return nil
}

func closeLogRotator() {
	if logRotator == nil {
		return
	}
	if writer.rotatorPipe != nil {
		_ = writer.rotatorPipe.Close()
		writer.rotatorPipe = nil
	}
	_ = logRotator.Close()
	logRotator = nil
}

// setLogLevel sets the level of one subsystem. Unknown subsystems are
// ignored and invalid levels fall back to info.
func setLogLevel(subsystemID, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
