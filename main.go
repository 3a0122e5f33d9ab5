package main

import (
	"flag"
	"os"

	"grimm.is/foreman/cmd"
	"grimm.is/foreman/internal/brand"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		configFile := serveFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		serveFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")

		listen := serveFlags.String("listen", "", "Listen address (overrides server.listen)")
		serveFlags.StringVar(listen, "l", "", "Listen address (short)")

		database := serveFlags.String("db", "", "SQLite database path (overrides store.path)")
		ephemeral := serveFlags.Bool("ephemeral", false, "Keep all state in memory")

		serveFlags.Parse(os.Args[2:])

		if err := cmd.RunServe(cmd.ServeOptions{
			ConfigFile: *configFile,
			Listen:     *listen,
			Database:   *database,
			Ephemeral:  *ephemeral,
		}); err != nil {
			printer.Fprintf(os.Stderr, "Serve failed: %v\n", err)
			os.Exit(1)
		}

	case "agent":
		agentFlags := flag.NewFlagSet("agent", flag.ExitOnError)
		configFile := agentFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		agentFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")

		id := agentFlags.String("id", "", "Agent ID (overrides agent.id)")
		server := agentFlags.String("server", "", "Server WebSocket URL (overrides agent.server_url)")
		agentFlags.StringVar(server, "s", "", "Server WebSocket URL (short)")

		attach := agentFlags.Bool("attach", false, "Forward this terminal to the agent process")
		agentFlags.BoolVar(attach, "a", false, "Attach terminal (short)")

		agentFlags.Parse(os.Args[2:])

		if err := cmd.RunAgent(cmd.AgentOptions{
			ConfigFile: *configFile,
			ID:         *id,
			ServerURL:  *server,
			Attach:     *attach,
			Args:       agentFlags.Args(),
		}); err != nil {
			printer.Fprintf(os.Stderr, "Agent failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Show configuration summary")
		checkFlags.BoolVar(verbose, "v", false, "Verbose (short)")
		checkFlags.Parse(os.Args[2:])

		if err := cmd.RunCheck(checkFlags.Arg(0), *verbose); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := statusFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		statusFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		server := statusFlags.String("server", "", "Server base URL (default: from server.listen)")
		statusFlags.StringVar(server, "s", "", "Server base URL (short)")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile, *server); err != nil {
			printer.Fprintf(os.Stderr, "Status failed: %v\n", err)
			printer.Fprintf(os.Stderr, "Is the server running? Start with: %s serve\n", brand.BinaryName)
			os.Exit(1)
		}

	case "config":
		cmd.RunConfig(os.Args[2:])

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Build: %s\n", brand.BuildTime)
		printer.Printf("Commit: %s\n", brand.GitCommit)

	case "help", "-h", "--help":
		if len(os.Args) > 2 && os.Args[2] == "config" {
			cmd.RunConfig([]string{"help"})
			return
		}
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Core Commands:
  serve     Run the orchestration server
            Options: --config (-c) <file>, --listen (-l) <addr>, --db <path>, --ephemeral
  agent     Supervise an agent executable and connect it to the server
            Options: --config (-c) <file>, --id <id>, --server (-s) <url>, --attach (-a)
            Trailing arguments replace agent.command and agent.args

Management Commands:
  status    Show agents and queue depth of a running server
            Options: --server (-s) <url>
  config    Manage configuration
            Subcommands: init, show, validate, diff, help

Utility Commands:
  check     Validate configuration file
            Options: --verbose (-v)
  version   Print version information

Examples:
  %s config init -o %s
  %s serve --listen 0.0.0.0:7420
  %s agent --id laptop-claude -- claude -p
  %s status
  %s check -v %s

For command-specific help: %s help <command>
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.DefaultConfigPath(),
		brand.LowerName, brand.LowerName, brand.LowerName,
		brand.LowerName, brand.DefaultConfigPath(),
		brand.LowerName)
}
