package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/term"
)

const (
	envPassword       = envPrefix + "_PASSWORD"
	envNewPassword    = envPrefix + "_NEW_PASSWORD"
	envBackupPass     = envPrefix + "_BACKUP_PASSPHRASE"
	envMnemonic       = envPrefix + "_MNEMONIC"
	envMnemonicPass   = envPrefix + "_MNEMONIC_PASSPHRASE"
	minWalletPassword = 8
)

var stdinReader = bufio.NewReader(os.Stdin)

// readSecret returns the value of envVar when set, otherwise prompts on the
// terminal without echo. Piped input is read one line at a time.
func readSecret(prompt, envVar string) ([]byte, error) {
	if envVar != "" {
		if v, ok := os.LookupEnv(envVar); ok && v != "" {
			return []byte(v), nil
		}
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		return secret, nil
	}

	line, err := stdinReader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	secret := bytes.TrimRight(line, "\r\n")
	out := make([]byte, len(secret))
	copy(out, secret)
	memguard.WipeBytes(line)
	return out, nil
}

// readNewPassword asks for a password twice and checks that both entries
// match.
func readNewPassword(prompt, envVar string) ([]byte, error) {
	first, err := readSecret(prompt, envVar)
	if err != nil {
		return nil, err
	}
	if len(first) < minWalletPassword {
		memguard.WipeBytes(first)
		return nil, fmt.Errorf("password must be at least %d characters", minWalletPassword)
	}
	if envVar != "" && os.Getenv(envVar) != "" {
		return first, nil
	}

	second, err := readSecret("Confirm password: ", "")
	if err != nil {
		memguard.WipeBytes(first)
		return nil, err
	}
	defer memguard.WipeBytes(second)

	if !bytes.Equal(first, second) {
		memguard.WipeBytes(first)
		return nil, fmt.Errorf("passwords do not match")
	}
	return first, nil
}

// promptConfirmation asks a yes/no question on stderr.
func promptConfirmation(message string) bool {
	fmt.Fprintf(os.Stderr, "%s (y/N): ", message)
	response, _ := stdinReader.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
