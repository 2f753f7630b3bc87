//go:build !windows

package mem

func platformProtector() Protector {
	return NoProtector{}
}
