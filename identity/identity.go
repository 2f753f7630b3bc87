// Package identity supplies the process-bound entropy used by ephemeral
// encryptors.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
)

// Identity is the process identity mixed into ephemeral keys.
type Identity struct {
	PID            int
	ExecutableHash [32]byte
}

var (
	current     Identity
	currentOnce sync.Once
)

// Current returns the identity of the running process. It is read once and
// never changes afterwards.
func Current() Identity {
	currentOnce.Do(func() {
		current = New(os.Getpid(), executableName())
	})
	return current
}

// New builds an identity from a pid and an executable name. Tests use it to
// simulate other processes.
func New(pid int, executable string) Identity {
	return Identity{
		PID:            pid,
		ExecutableHash: sha256.Sum256([]byte(executable)),
	}
}

// Entropy returns the key entropy for extra. When bindProcess is set the pid
// and executable hash are prepended, so the result is unusable by any other
// process.
func (id Identity) Entropy(extra []byte, bindProcess bool) []byte {
	if !bindProcess {
		out := make([]byte, len(extra))
		copy(out, extra)
		return out
	}

	out := make([]byte, 8+len(id.ExecutableHash)+len(extra))
	binary.BigEndian.PutUint64(out[:8], uint64(id.PID))
	copy(out[8:], id.ExecutableHash[:])
	copy(out[8+len(id.ExecutableHash):], extra)
	return out
}

func executableName() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}
