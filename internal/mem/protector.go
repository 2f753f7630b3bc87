package mem

// Protector wraps already encrypted bytes with an OS facility such as DPAPI.
// Implementations must round-trip exactly: Unprotect(Protect(b)) == b.
type Protector interface {
	Name() string
	Available() bool
	Protect(data, entropy []byte) ([]byte, error)
	Unprotect(data, entropy []byte) ([]byte, error)
}

// NoProtector passes data through unchanged. It is the platform protector
// wherever the OS offers nothing suitable.
type NoProtector struct{}

func (NoProtector) Name() string    { return "none" }
func (NoProtector) Available() bool { return false }

func (NoProtector) Protect(data, _ []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (NoProtector) Unprotect(data, _ []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Platform returns the best protector for the running OS.
func Platform() Protector {
	return platformProtector()
}
