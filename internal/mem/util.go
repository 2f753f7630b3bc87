package mem

import "fmt"

// ProtectionLevel indicates how well the process can protect memory
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Some protection measures applied
	ProtectionFull                           // Full memory protection (locked memory)
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectionNone:
		return "none"
	case ProtectionPartial:
		return "partial"
	case ProtectionFull:
		return "full"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Lock attempts to prevent sensitive data from being swapped to disk
// Returns the protection level achieved and any error encountered
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	return unlockMemoryPlatform()
}
