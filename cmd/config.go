package cmd

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"grimm.is/foreman/internal/brand"
	"grimm.is/foreman/internal/config"
)

// RunConfig handles configuration CLI commands
func RunConfig(args []string) {
	if len(args) < 1 {
		printConfigUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "init":
		err = runConfigInit(args[1:])
	case "show":
		err = runConfigShow(args[1:], os.Stdout)
	case "validate":
		err = runConfigValidate(args[1:])
	case "diff":
		err = runConfigDiff(args[1:])
	case "help", "-h", "--help":
		printConfigUsage()
		return
	default:
		Printer.Printf("Unknown config command: %s\n\n", args[0])
		printConfigUsage()
		os.Exit(1)
	}
	if err != nil {
		fatalf("config %s failed: %v\n", args[0], err)
	}
}

func runConfigInit(args []string) error {
	flags := flag.NewFlagSet("config init", flag.ExitOnError)
	out := flags.String("out", "", "Write to file instead of stdout")
	flags.StringVar(out, "o", "", "Output file (short)")
	force := flags.Bool("force", false, "Overwrite an existing file")
	flags.Parse(args)

	return writeDefaultConfig(*out, *force, os.Stdout)
}

// writeDefaultConfig renders the built-in defaults as HCL.
func writeDefaultConfig(path string, force bool, stdout io.Writer) error {
	data := config.RenderHCL(config.Default())
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use -force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	Printer.Printf("Wrote %s\n", path)
	return nil
}

func runConfigShow(args []string, w io.Writer) error {
	flags := flag.NewFlagSet("config show", flag.ExitOnError)
	file := flags.String("file", brand.DefaultConfigPath(), "Configuration file")
	flags.StringVar(file, "f", brand.DefaultConfigPath(), "Configuration file (short)")
	output := flags.String("output", "hcl", "Output format: hcl, json, yaml")
	flags.StringVar(output, "o", "hcl", "Output format (short)")
	flags.Parse(args)

	cfg, err := loadConfig(*file)
	if err != nil {
		return err
	}
	return renderConfig(cfg, *output, w)
}

// renderConfig prints the effective configuration, defaults included.
func renderConfig(cfg *config.Config, format string, w io.Writer) error {
	switch format {
	case "hcl":
		_, err := w.Write(config.RenderHCL(cfg))
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	return fmt.Errorf("unknown output format %q", format)
}

func runConfigValidate(args []string) error {
	flags := flag.NewFlagSet("config validate", flag.ExitOnError)
	file := flags.String("file", brand.DefaultConfigPath(), "Configuration file")
	flags.StringVar(file, "f", brand.DefaultConfigPath(), "Configuration file (short)")
	flags.Parse(args)

	if flags.NArg() > 0 {
		*file = flags.Arg(0)
	}
	return RunCheck(*file, false)
}

func runConfigDiff(args []string) error {
	flags := flag.NewFlagSet("config diff", flag.ExitOnError)
	flags.Parse(args)
	if flags.NArg() < 1 {
		return fmt.Errorf("usage: %s config diff <file> [other-file]", brand.BinaryName)
	}
	err := RunConfigDiff(flags.Arg(0), flags.Arg(1), os.Stdout)
	if errors.Is(err, ErrConfigDiffers) {
		os.Exit(1)
	}
	return err
}

func printConfigUsage() {
	Printer.Printf("%s Configuration Management\n", brand.Name)
	Printer.Println()
	Printer.Printf("Usage: %s config <command> [options]\n", brand.BinaryName)
	Printer.Println()
	Printer.Println("Commands:")
	Printer.Println("  init       Print (or write) a configuration with every default filled in")
	Printer.Println("  show       Print the effective configuration after defaults")
	Printer.Println("  validate   Validate a configuration file")
	Printer.Println("  diff       Compare a configuration against another file or the defaults")
	Printer.Println()
	Printer.Println("Options:")
	Printer.Println("  --out, -o       Output file for 'init' [default: stdout]")
	Printer.Println("  --force         Overwrite an existing file for 'init'")
	Printer.Println("  --output, -o    Output format for 'show' (hcl, json, yaml) [default: hcl]")
	Printer.Printf("  --file, -f      Configuration file [default: %s]\n", brand.DefaultConfigPath())
	Printer.Println()
	Printer.Println("Examples:")
	Printer.Printf("  %s config init -o %s\n", brand.BinaryName, brand.DefaultConfigPath())
	Printer.Printf("  %s config show -o json\n", brand.BinaryName)
	Printer.Printf("  %s config validate ./%s\n", brand.BinaryName, brand.ConfigFileName)
	Printer.Printf("  %s config diff ./%s\n", brand.BinaryName, brand.ConfigFileName)
}
