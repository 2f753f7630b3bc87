package misc

const (
	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4

	// DefaultDerivationPath is the BIP-44 Ethereum account branch.
	DefaultDerivationPath = "m/44'/60'/0'/0"

	// MaxAddressScan bounds the index search under a derivation path.
	MaxAddressScan = 100

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
