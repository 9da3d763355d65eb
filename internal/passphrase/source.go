package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the treasury keystore passphrase from an environment variable
// or an interactive prompt. The first result, success or failure, is cached.
type Source struct {
	envVar string
	prompt func() ([]byte, error)
	isTTY  func() bool

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{
		envVar: strings.TrimSpace(envVar),
		prompt: readTerminal,
		isTTY:  func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// Get returns the passphrase. A set environment variable is used verbatim;
// otherwise the operator is prompted on stderr. Blank passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		if !s.isTTY() {
			if s.envVar != "" {
				s.err = fmt.Errorf("treasury keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("treasury keystore passphrase required and no terminal available")
			}
			return
		}
		raw, err := s.prompt()
		if err != nil {
			s.err = fmt.Errorf("read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = errors.New("treasury keystore passphrase cannot be empty")
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}

func readTerminal() ([]byte, error) {
	fmt.Fprint(os.Stderr, "Enter treasury keystore passphrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	return raw, err
}
