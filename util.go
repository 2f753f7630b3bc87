package walletguard

import (
	"fmt"
	mrand "math/rand"
	"runtime"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second

	minSeedSize = 16
	maxSeedSize = 64
)

// withRetry reruns fn while it fails with a version conflict, backing off
// exponentially with jitter.
func withRetry(operation string, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil || !persist.IsConcurrencyError(err) {
			return err
		}
		if attempt == maxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, maxRetries+1, err)
		}

		delay := baseDelay * (1 << attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))

		log.Debugf("%s conflicted, retrying in %v", operation, delay)
		time.Sleep(delay)
	}
	return nil
}

func validateSeed(seed []byte) error {
	if len(seed) < minSeedSize || len(seed) > maxSeedSize {
		return fmt.Errorf("seed must be between %d and %d bytes", minSeedSize, maxSeedSize)
	}
	if crypto.IsWeakSeed(seed) {
		return fmt.Errorf("seed has too little entropy")
	}
	return nil
}

// wipe zeroes every buffer and optionally asks the runtime to collect the
// garbage left behind.
func wipe(forceGC bool, bufs ...[]byte) {
	for _, b := range bufs {
		memguard.WipeBytes(b)
	}
	if forceGC {
		runtime.GC()
	}
}

// logAudit records an event and reports audit failures on the package log.
func logAudit(logger audit.Logger, action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	if err != nil {
		if _, ok := metadata[audit.MetaError]; !ok {
			metadata[audit.MetaError] = reason(err)
		}
	}

	if auditErr := logger.Log(action, err == nil, metadata); auditErr != nil {
		log.Errorf("audit logging failed for action %s: %v", action, auditErr)
	}
}

func newSessionID() string {
	return uuid.NewString()
}
