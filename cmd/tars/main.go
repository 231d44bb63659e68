// tars runs the TARS/CASE conversation loop.
//
//	tars run      wait for a key press, then converse in the terminal
//	tars serve    expose health, metrics and conversation control over HTTP
//	tars migrate  apply the libsql schema
//	tars ingest   embed text files into the documents partition
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/observability"
)

type command struct {
	name    string
	summary string
	flags   func(*pflag.FlagSet)
	run     func(ctx context.Context, env *environment, args []string) error
}

// environment is what every subcommand gets after flags and config are loaded.
type environment struct {
	loader *config.Loader
	cfg    *config.Config
	logger zerolog.Logger
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer
}

var commands = []command{
	{name: "run", summary: "converse in the terminal after a key press", flags: runFlags, run: runCommand},
	{name: "serve", summary: "serve health, metrics and conversations over HTTP", flags: serveFlags, run: serveCommand},
	{name: "migrate", summary: "apply database migrations", run: migrateCommand},
	{name: "ingest", summary: "add text files to the documents partition", run: ingestCommand},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string, stdin *os.File, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		if len(args) == 0 {
			return pflag.ErrHelp
		}
		return nil
	}

	cmd, ok := lookup(args[0])
	if !ok {
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}

	flagSet := pflag.NewFlagSet("tars "+cmd.name, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	configPath := flagSet.StringP("config", "c", "", "path to a YAML config file")
	flagSet.String("app.log_level", "", "log level: trace, debug, info, warn, error")
	flagSet.String("store.backend", "", "conversation log backend: libsql, supabase, memory")
	flagSet.String("database.dsn", "", "libsql database file")
	if cmd.flags != nil {
		cmd.flags(flagSet)
	}
	if err := flagSet.Parse(args[1:]); err != nil {
		return err
	}

	loader := config.NewLoader()
	if err := loader.BindFlags(changedOnly(flagSet)); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	cfg, err := loader.Load(*configPath)
	if err != nil {
		return err
	}

	env := &environment{
		loader: loader,
		cfg:    cfg,
		logger: observability.NewLogger(cfg.App, stderr),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
	return cmd.run(ctx, env, flagSet.Args())
}

// changedOnly keeps explicitly set flags so unset flags do not mask file values.
func changedOnly(fs *pflag.FlagSet) *pflag.FlagSet {
	out := pflag.NewFlagSet(fs.Name(), pflag.ContinueOnError)
	fs.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			out.AddFlag(f)
		}
	})
	return out
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tars <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration is read from config.yaml, .env and the environment;")
	fmt.Fprintln(w, "any key can be overridden as a flag, e.g. --conversation.max_turns=10.")
}

func requireAPIKey(cfg *config.Config) error {
	if cfg.OpenAI.APIKey == "" {
		return errors.New("openai.api_key is not set (export OPENAI_API_KEY)")
	}
	return nil
}
