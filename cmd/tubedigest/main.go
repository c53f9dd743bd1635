// Tubedigest watches YouTube channels, summarizes new uploads from their
// transcripts, and sends each summary to the configured notifiers.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tubedigest run                  Scan every channel once and exit
//	tubedigest serve                Scan on the configured schedule
//	tubedigest status [video_id...] Show processing records
//	tubedigest channels             Show channels and their scan markers
//	tubedigest retry <video_id...>  Reset videos so the next run retries them
//	tubedigest init [dir]           Write an example config
//	tubedigest version              Print version and build information
//	tubedigest -o json status       Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/tubedigest/internal/buildinfo"
	"github.com/nugget/tubedigest/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so the
// whole command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	output     string // text or json
}

// run is the real entry point. Logs go to stderr so that stdout carries
// only command output, which keeps -o json parseable.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parsed by hand: the flag package's globals get in the way of
	// running commands concurrently from tests.
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "run":
		return runOnce(ctx, stdout, stderr, opts)
	case "serve":
		return runServe(ctx, stderr, opts)
	case "status":
		return runStatus(ctx, stdout, stderr, opts, cmdArgs)
	case "channels":
		return runChannels(ctx, stdout, stderr, opts)
	case "retry":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: tubedigest retry <video_id...>")
		}
		return runRetry(ctx, stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "user_agent"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tubedigest - YouTube channel summaries")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tubedigest [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                   Scan every channel once and exit")
	fmt.Fprintln(w, "  serve                 Scan on the configured schedule until interrupted")
	fmt.Fprintln(w, "  status [video_id...]  Show status counts and recent videos, or the given videos")
	fmt.Fprintln(w, "  channels              Show configured channels and their scan markers")
	fmt.Fprintln(w, "  retry <video_id...>   Reset videos so the next run processes them again")
	fmt.Fprintln(w, "  init [dir]            Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger creates a slog.Logger writing to w at the given level and
// format ("json" or anything else for text).
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the configuration and
// returns it with a logger built from its log settings.
func loadConfig(explicit string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(logOut, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
