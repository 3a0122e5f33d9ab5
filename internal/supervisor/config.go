package supervisor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/model"
)

// Config describes the supervised executable.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// Interactive keeps one process alive across commands. Prompts are
	// written to its input and CompletionPattern on its output ends each
	// command.
	Interactive       bool
	PTY               bool
	CompletionPattern string
	// ForwardInput keeps a stdin pipe open on one-shot runs for Input.
	ForwardInput      bool

	InterruptSignal unix.Signal
	StopTimeout     time.Duration
	Capabilities    model.Capabilities
}

// ConfigFrom reads the agent block.
func ConfigFrom(a *config.AgentConfig) (Config, error) {
	c := Config{
		Command:           a.Command,
		Args:              a.Args,
		Env:               a.Env,
		Dir:               a.Dir,
		Interactive:       a.Interactive,
		PTY:               a.PTY,
		CompletionPattern: a.CompletionPattern,
		ForwardInput:      a.ForwardInput,
		InterruptSignal:   unix.SIGINT,
		StopTimeout:       config.Duration(a.StopTimeout, 5*time.Second),
	}
	if a.InterruptSignal != "" {
		sig := unix.SignalNum(strings.ToUpper(a.InterruptSignal))
		if sig == 0 {
			return c, fmt.Errorf("unknown interrupt signal %q", a.InterruptSignal)
		}
		c.InterruptSignal = sig
	}
	if caps := a.Capabilities; caps != nil {
		c.Capabilities = model.Capabilities{
			MaxTokens:         caps.MaxTokens,
			SupportsInterrupt: caps.SupportsInterrupt,
			SupportsTrace:     caps.SupportsTrace,
		}
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	if c.Command == "" {
		return errors.New("agent command is required")
	}
	if c.Interactive && c.CompletionPattern == "" {
		return errors.New("interactive mode requires completion_pattern")
	}
	if c.CompletionPattern != "" {
		if _, err := regexp.Compile(c.CompletionPattern); err != nil {
			return fmt.Errorf("completion_pattern: %w", err)
		}
	}
	return nil
}
