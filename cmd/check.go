package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/foreman/internal/brand"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/supervisor"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.DefaultConfigPath())
	}

	result, err := config.LoadFileWithResult(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	cfg := result.Config
	Printer.Printf("Configuration valid!\n")
	Printer.Printf("Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Printf("Format: %s\n", result.Format)
	for _, w := range result.Warnings {
		Printer.Printf("Warning: %s\n", w)
	}

	// An agent block with a command must also produce a runnable supervisor.
	if cfg.Agent.Command != "" {
		if _, err := supervisor.ConfigFrom(cfg.Agent); err != nil {
			return fmt.Errorf("configuration invalid: agent: %w", err)
		}
	}

	if verbose {
		Printer.Println()
		printSummary(cfg)
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

	s := cfg.Server
	Printer.Fprintln(w, "SERVER\tMAX CONNS\tMAX MESSAGE\tCLOCK SKEW\tUSER HEADER")
	Printer.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", s.Listen, s.MaxConnections, s.MaxMessageSize, s.ClockSkew, s.UserHeader)
	Printer.Fprintln(w)
	w.Flush()

	q, i := cfg.Queue, cfg.Interrupt
	Printer.Fprintln(w, "WORKERS\tATTEMPTS\tBACKOFF\tINTERRUPT TIMEOUT\tFORCE WAIT")
	Printer.Fprintf(w, "%d\t%d\t%s..%s\t%s\t%s\n", q.Workers, q.MaxAttempts, q.BackoffBase, q.BackoffMax, i.Timeout, i.ForceWait)
	Printer.Fprintln(w)
	w.Flush()

	a := cfg.Agent
	command := a.Command
	if command == "" {
		command = "-"
	}
	mode := "one-shot"
	if a.Interactive {
		mode = "interactive"
		if a.PTY {
			mode += "+pty"
		}
	}
	Printer.Fprintln(w, "AGENT TYPE\tCOMMAND\tMODE\tSERVER")
	Printer.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Type, command, mode, a.ServerURL)
	w.Flush()
}
