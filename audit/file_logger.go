package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Ensure FileLogger implements Logger interface
var _ Logger = (*FileLogger)(nil)

// FileLogger appends events as JSON lines to a file and keeps the most
// recent events in memory for time bounded queries.
type FileLogger struct {
	profile    string
	file       *os.File
	size       int64
	mu         sync.RWMutex
	eventCache []Event
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size,omitempty"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups,omitempty"` // Rotated files kept
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if fileOpts.MaxSize == 0 {
		fileOpts.MaxSize = 10
	}
	if fileOpts.MaxBackups == 0 {
		fileOpts.MaxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	logger := &FileLogger{
		profile:   config.Profile,
		fileOpts:  fileOpts,
		cacheSize: 1000,
	}
	if err := logger.ensureFileOpen(); err != nil {
		return nil, err
	}

	log.Debugf("audit log opened at %s", fileOpts.FilePath)
	return logger, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(fl.profile, action, success, metadata)
	event.Source = "file"
	return fl.writeEvent(event)
}

func (fl *FileLogger) writeEvent(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	line = append(line, '\n')

	fl.mu.Lock()
	defer fl.mu.Unlock()

	// A closed logger reopens on the next write.
	if err = fl.ensureFileOpen(); err != nil {
		return err
	}

	if fl.size+int64(len(line)) > int64(fl.fileOpts.MaxSize)<<20 && fl.size > 0 {
		if err = fl.rotate(); err != nil {
			return err
		}
	}

	n, err := fl.file.Write(line)
	fl.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.eventCache = append(fl.eventCache, event)
	if len(fl.eventCache) > fl.cacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}
	return nil
}

// rotate shifts path.N-1 to path.N and the live file to path.1. Rolled
// files stay uncompressed 0600 JSON lines so Query can read them back.
func (fl *FileLogger) rotate() error {
	path := fl.fileOpts.FilePath
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}
	fl.file = nil

	_ = os.Remove(fmt.Sprintf("%s.%d", path, fl.fileOpts.MaxBackups))
	for i := fl.fileOpts.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	log.Infof("audit log rotated")
	return fl.ensureFileOpen()
}

// Query implements the Logger interface. Results are newest first.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.cacheCovers(options) {
		return page(fl.filter(fl.eventCache, options), len(fl.eventCache), options), nil
	}

	var (
		all   []Event
		total int
	)
	for _, path := range fl.logFiles() {
		events, count, err := readEvents(path)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", path, err)
		}
		all = append(all, fl.filter(events, options)...)
		total += count
	}

	return page(all, total, options), nil
}

// cacheCovers reports whether the cache holds every event the query can
// match. Only queries bounded below by Since qualify.
func (fl *FileLogger) cacheCovers(options QueryOptions) bool {
	if len(fl.eventCache) == 0 || options.Since == nil {
		return false
	}
	return !options.Since.Before(fl.eventCache[0].Timestamp)
}

func (fl *FileLogger) filter(events []Event, options QueryOptions) []Event {
	var out []Event
	for _, event := range events {
		if matchesFilter(event, options) {
			out = append(out, event)
		}
	}
	return out
}

func page(events []Event, total int, options QueryOptions) QueryResult {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	start := options.Offset
	if start > len(events) {
		start = len(events)
	}
	end := len(events)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	return QueryResult{
		Events:     events[start:end],
		TotalCount: total,
		Filtered:   len(events),
		HasMore:    end < len(events),
	}
}

// logFiles lists the live file followed by its rotations.
func (fl *FileLogger) logFiles() []string {
	path := fl.fileOpts.FilePath
	files := []string{path}
	for i := 1; i <= fl.fileOpts.MaxBackups; i++ {
		rotated := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(rotated); err == nil {
			files = append(files, rotated)
		}
	}
	return files
}

func readEvents(path string) ([]Event, int, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var (
		events []Event
		total  int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		total++

		var event Event
		if err = json.Unmarshal(line, &event); err != nil {
			log.Warnf("skipping unreadable audit line in %s", path)
			continue
		}
		events = append(events, event)
	}

	if err = scanner.Err(); err != nil {
		return events, total, fmt.Errorf("error reading audit log file: %w", err)
	}
	return events, total, nil
}

// passwordActions are the actions that consumed a wallet password.
var passwordActions = map[string]bool{
	ActionWalletImported:  true,
	ActionWalletUnlock:    true,
	ActionPasswordChanged: true,
	ActionTxSign:          true,
}

func matchesFilter(event Event, options QueryOptions) bool {
	switch {
	case options.Profile != "" && event.Profile != options.Profile:
		return false
	case options.Since != nil && event.Timestamp.Before(*options.Since):
		return false
	case options.Until != nil && event.Timestamp.After(*options.Until):
		return false
	case options.Action != "" && event.Action != options.Action:
		return false
	case options.Success != nil && event.Success != *options.Success:
		return false
	case options.WalletID != "" && event.WalletID != options.WalletID:
		return false
	case options.Address != "" && event.Address != options.Address:
		return false
	case options.PasswordAccess && !passwordActions[event.Action]:
		return false
	}
	return true
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file != nil {
		return nil
	}

	file, err := os.OpenFile(fl.fileOpts.FilePath,
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}

	fl.file = file
	fl.size = info.Size()
	return nil
}
