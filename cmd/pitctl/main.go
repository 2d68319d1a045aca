package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/i8254/internal/config"
	"github.com/tinyrange/i8254/internal/i8254"
	"github.com/tinyrange/i8254/internal/script"
	"github.com/tinyrange/i8254/internal/sweep"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pitctl <command> [flags] [args...]\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  run: replay one or more YAML port scripts\n")
	fmt.Fprintf(os.Stderr, "  sweep: check the timer's invariants over every count\n")
	fmt.Fprintf(os.Stderr, "  repl: drive a live timer from the keyboard\n")
	fmt.Fprintf(os.Stderr, "  state: print the register state after a script\n")
	fmt.Fprintf(os.Stderr, "  init: write a default %s\n", config.Filename)
}

func setupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// loadConfig reads path when set and falls back to the defaults. It
// installs the default logger and returns the level it was set to.
func loadConfig(path string, debug bool) (config.Config, slog.Level, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, 0, err
		}
	}
	level, err := cfg.Level()
	if err != nil {
		return config.Config{}, 0, err
	}
	if debug {
		level = slog.LevelDebug
	}
	setupLogging(os.Stderr, level)
	return cfg, level, nil
}

func runScripts(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	dump := fs.Bool("dump", false, "Print every observation as YAML")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("run: no scripts given")
	}
	if _, _, err := loadConfig("", *debug); err != nil {
		return err
	}

	runner := script.NewRunner()
	failed := 0
	for _, path := range fs.Args() {
		s, err := script.Load(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		res, err := runner.Run(ctx, s)
		var mismatch *script.MismatchError
		switch {
		case errors.As(err, &mismatch):
			failed++
			fmt.Printf("FAIL %s: %v\n", s.Name, mismatch)
		case err != nil:
			return fmt.Errorf("run %s: %w", path, err)
		default:
			fmt.Printf("ok   %s (%d steps, %d ticks)\n", s.Name, len(res.Observations), res.Ticks)
		}
		if *dump {
			if err := writeYAML(os.Stdout, res.Observations); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed", failed, fs.NArg())
	}
	return nil
}

func runSweep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to "+config.Filename)
	properties := fs.String("properties", "", "Comma separated properties to check (default: all of "+strings.Join(sweep.Names(), ",")+")")
	workers := fs.Int("workers", 0, "Properties checked at once (default: GOMAXPROCS)")
	quiet := fs.Bool("quiet", false, "Hide the progress bar")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	cfg, _, err := loadConfig(*configPath, *debug)
	if err != nil {
		return err
	}

	opts := sweep.Options{
		PortBase: cfg.PortBase,
		Policy:   cfg.Policy(),
		Workers:  *workers,
	}
	if *properties != "" {
		opts.Properties = strings.Split(*properties, ",")
	}
	total, err := sweep.Total(opts)
	if err != nil {
		return err
	}

	var progress func(int)
	if !*quiet {
		pb := progressbar.Default(int64(total), "sweep")
		defer pb.Close()
		progress = func(n int) { pb.Add(n) }
	}

	reports, err := sweep.Run(ctx, opts, progress)
	if err != nil {
		return err
	}
	for _, r := range reports {
		status := "ok  "
		if !r.Passed() {
			status = "FAIL"
		}
		fmt.Printf("%s %-10s %d checks\n", status, r.Property, r.Checked)
	}
	if failures := sweep.Failures(reports); len(failures) > 0 {
		for _, f := range failures {
			fmt.Printf("  %s\n", f)
		}
		return fmt.Errorf("%d counterexamples", len(failures))
	}
	return nil
}

func runState(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to "+config.Filename)
	scriptPath := fs.String("script", "", "Script to run before printing the state")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	cfg, _, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}

	var st i8254.State
	if *scriptPath != "" {
		s, err := script.Load(*scriptPath)
		if err != nil {
			return err
		}
		res, err := script.NewRunner().Run(ctx, s)
		if err != nil {
			return err
		}
		st = res.Final
	} else {
		st = cfg.NewChip(nil).Snapshot()
	}
	return writeYAML(os.Stdout, st)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	path := config.Filename
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists, use -force to overwrite", path)
	}
	if err := config.Write(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "run":
		return runScripts(ctx, args[1:])
	case "sweep":
		return runSweep(ctx, args[1:])
	case "repl":
		return runRepl(args[1:])
	case "state":
		return runState(ctx, args[1:])
	case "init":
		return runInit(args[1:])
	case "help", "-h", "-help", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pitctl: %v\n", err)
		os.Exit(1)
	}
}
