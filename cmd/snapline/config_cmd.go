package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/snapline/internal/config"
)

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: snapline config <action> [flags]")
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  lock                     Pin config.yaml to its BLAKE3 digest in .checksums")
	fmt.Fprintln(w, "  show [path]              Print the effective configuration (YAML or --json)")
	fmt.Fprintln(w, "  get <path>               Print one value, e.g. executor.max_workers")
	fmt.Fprintln(w, "  set <path>=<value>       Change one value (--dry-run or --apply)")
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	action, actionArgs := args[0], args[1:]

	switch action {
	case "lock":
		return runConfigLock(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	case "get":
		return runConfigGet(actionArgs)
	case "set":
		return runConfigSet(actionArgs)
	case "help", "--help", "-h":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// configTarget is the file config actions operate on. Unlike loadConfig it
// never falls back to defaults: there must be a file to lock or edit.
func configTarget(path string) string {
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		path = config.FileName
	}
	return path
}

func runConfigLock(args []string) int {
	fs := newFlagSet("config lock")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	written, err := config.Lock(configTarget(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", written)
	return 0
}

func runConfigShow(args []string) int {
	fs := newFlagSet("config show")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		return printJSON(result)
	}
	data, err := yaml.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigGet(args []string) int {
	fs := newFlagSet("config get")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: snapline config get <path> [--json]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	val, err := cfg.GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("%v\n", val)
	return 0
}

func runConfigSet(args []string) int {
	fs := newFlagSet("config set")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Validate the change without writing it")
	apply := fs.Bool("apply", false, "Write the change")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 || !strings.Contains(fs.Arg(0), "=") {
		fmt.Fprintln(os.Stderr, "Usage: snapline config set <path>=<value> [--dry-run | --apply]")
		return 1
	}
	if *dryRun == *apply {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --dry-run or --apply must be specified for 'config set'.")
		return 1
	}
	path, value, _ := strings.Cut(fs.Arg(0), "=")

	cfg, err := config.Load(configTarget(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *dryRun {
		if err := cfg.SetPath(path, value, false); err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
			return 1
		}
		fmt.Printf("Dry-run: would set %q to %q\n", path, value)
		return 0
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(cfg.Path), config.ChecksumsFile)); err == nil {
		fmt.Fprintf(os.Stderr, "Error: %s is locked; edit it and run 'snapline config lock' instead\n", cfg.Path)
		return 1
	}
	if err := cfg.SetPath(path, value, true); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully set %q to %q\n", path, value)
	return 0
}
