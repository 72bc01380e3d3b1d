package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/TheMichaelB/habitsync/internal/config"
)

// passwordEnv supplies the encryption password in non-interactive use.
const passwordEnv = config.EnvPrefix + "_PASSWORD"

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read password without echo
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(password), nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// encryptionPassword resolves the password: flag, then environment, then
// prompt.
func encryptionPassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no password given; use --password or %s", passwordEnv)
	}
	return promptPassword("Encryption password: ")
}

// unlock derives the session key for commands that touch record contents.
func unlock(flag string) error {
	password, err := encryptionPassword(flag)
	if err != nil {
		return err
	}
	return apiClient.Unlock(password)
}

func confirmNewPassword() (string, error) {
	first, err := promptPassword("New password: ")
	if err != nil {
		return "", err
	}
	second, err := promptPassword("Repeat new password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}
