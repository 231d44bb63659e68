package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/conversation"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

const banner = "Absolute honesty isn't always the most diplomatic nor the safest form of communication with emotional beings."

func runFlags(fs *pflag.FlagSet) {
	fs.Int("conversation.max_turns", 0, "stop after this many turns (0 runs until interrupted)")
	fs.String("conversation.seed_prompt", "", "first message handed to TARS")
	fs.Bool("no-wait", false, "start without waiting for a key press")
	fs.String("only", "", "print only this persona's turns (TARS or CASE)")
}

func runCommand(ctx context.Context, env *environment, args []string) error {
	if err := requireAPIKey(env.cfg); err != nil {
		return err
	}
	printer := newTranscript(env.stdout)
	if only := env.loader.Viper().GetString("only"); only != "" {
		p, err := persona.Parse(only)
		if err != nil {
			return fmt.Errorf("--only: %w", err)
		}
		printer.only = &p
	}

	svc, err := conversation.NewServices(ctx, env.cfg, conversation.Observers{}, env.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	// persona text may be edited while the loop runs
	env.loader.Watch(func(cfg *config.Config) {
		svc.Profile.Store(persona.Profile{
			Specialties: cfg.Conversation.Specialties,
			Task:        cfg.Conversation.Task,
		})
		env.logger.Info().Msg("Persona profile reloaded")
	}, func(err error) {
		env.logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
	})

	fmt.Fprintln(env.stdout, banner)
	if !env.loader.Viper().GetBool("no-wait") {
		if err := waitForKey(ctx, env.stdin, env.stdout); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}

	err = svc.Orchestrator.RunWith(ctx, conversation.RunRequest{
		Seed:   strings.Join(args, " "),
		OnTurn: printer.turn,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitForKey blocks until one key is pressed. Non-terminal input waits for a line.
func waitForKey(ctx context.Context, in *os.File, out io.Writer) error {
	fmt.Fprintln(out, "Press any key to get started")

	read := func() error {
		_, err := bufio.NewReader(in).ReadString('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if in != nil && term.IsTerminal(int(in.Fd())) {
		fd := int(in.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(fd, state)
		read = func() error {
			var b [1]byte
			_, err := in.Read(b[:])
			return err
		}
	}

	done := make(chan error, 1)
	go func() { done <- read() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Pipes and sockets accept a deadline, which releases the pending read.
		// A blocking terminal read stays parked until the process exits.
		if in != nil && in.SetReadDeadline(time.Now()) == nil {
			<-done
			_ = in.SetReadDeadline(time.Time{})
		}
		return ctx.Err()
	}
}

// transcript prints each persisted turn as "NAME: text".
type transcript struct {
	w    io.Writer
	only *persona.Persona // nil prints both personas
}

func newTranscript(w io.Writer) *transcript { return &transcript{w: w} }

func (t *transcript) turn(rec conversation.TurnRecord) {
	if t.only != nil && *t.only != rec.Persona {
		return
	}
	fmt.Fprintf(t.w, "\n%s: %s\n", rec.Persona, strings.TrimSpace(rec.Stored.Text))
}
