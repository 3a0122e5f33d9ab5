package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/foreman/internal/agent"
	"grimm.is/foreman/internal/brand"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/supervisor"
	"grimm.is/foreman/internal/terminal"
)

// AgentOptions are the command line overrides for `foreman agent`.
type AgentOptions struct {
	ConfigFile string
	ID         string
	ServerURL  string
	// Attach forwards the local terminal to the supervised process and
	// mirrors its output to stdout.
	Attach bool
	// Args replaces agent.command and agent.args when non-empty.
	Args []string
}

// RunAgent supervises the configured agent executable and connects it to
// the server until SIGINT or SIGTERM.
func RunAgent(opts AgentOptions) error {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return err
	}
	ac := cfg.Agent
	if opts.ID != "" {
		ac.ID = opts.ID
	}
	if opts.ServerURL != "" {
		ac.ServerURL = opts.ServerURL
	}
	if len(opts.Args) > 0 {
		ac.Command = opts.Args[0]
		ac.Args = opts.Args[1:]
	}
	if ac.ID == "" {
		ac.ID = defaultAgentID(ac)
	}
	if opts.Attach {
		ac.ForwardInput = true
	}

	logger, err := setupLogging(cfg, brand.LowerName+"-agent")
	if err != nil {
		return err
	}

	scfg, err := supervisor.ConfigFrom(ac)
	if err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	sup, err := supervisor.New(scfg, logger)
	if err != nil {
		return err
	}
	copts, err := agent.OptionsFrom(ac)
	if err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	copts.Logger = logger
	copts.Header = http.Header{"User-Agent": []string{brand.UserAgent(brand.Version)}}
	if opts.Attach {
		copts.Mirror = os.Stdout
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), config.Duration(ac.StopTimeout, 5*time.Second)+time.Second)
		defer cancel()
		if err := sup.Stop(sctx); err != nil {
			logger.Warn("agent process stop", "error", err)
		}
	}()

	if opts.Attach {
		// Raw mode swallows Ctrl-C, so the passthrough owns interrupts and
		// SIGTERM is the way out.
		go func() {
			if err := terminal.New(sup, 0, logger).Attach(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug("terminal detached", "error", err)
			}
		}()
	}

	logger.Info("agent starting", "agent_id", copts.AgentID, "type", copts.AgentType, "server", copts.ServerURL)
	err = agent.New(copts, sup).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func defaultAgentID(ac *config.AgentConfig) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + "-" + ac.Type
}
