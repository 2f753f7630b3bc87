//go:build windows

package mem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// DPAPI protects data with CryptProtectData under the current user's
// credentials. The result survives restarts for the same user account.
type DPAPI struct{}

func platformProtector() Protector {
	return DPAPI{}
}

func (DPAPI) Name() string    { return "dpapi" }
func (DPAPI) Available() bool { return true }

func (DPAPI) Protect(data, entropy []byte) ([]byte, error) {
	var out windows.DataBlob
	err := windows.CryptProtectData(newBlob(data), nil, newBlob(entropy), 0, nil,
		windows.CRYPTPROTECT_UI_FORBIDDEN, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to protect data: %w", err)
	}
	return takeBlob(&out), nil
}

func (DPAPI) Unprotect(data, entropy []byte) ([]byte, error) {
	var out windows.DataBlob
	err := windows.CryptUnprotectData(newBlob(data), nil, newBlob(entropy), 0, nil,
		windows.CRYPTPROTECT_UI_FORBIDDEN, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to unprotect data: %w", err)
	}
	return takeBlob(&out), nil
}

func newBlob(b []byte) *windows.DataBlob {
	if len(b) == 0 {
		return &windows.DataBlob{}
	}
	return &windows.DataBlob{Size: uint32(len(b)), Data: &b[0]}
}

// takeBlob copies a LocalAlloc'd output blob into Go memory, zeroes the
// original and frees it.
func takeBlob(blob *windows.DataBlob) []byte {
	if blob.Data == nil {
		return []byte{}
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(blob.Data)))

	src := unsafe.Slice(blob.Data, blob.Size)
	out := make([]byte, len(src))
	copy(out, src)
	for i := range src {
		src[i] = 0
	}
	return out
}
