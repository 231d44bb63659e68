package main

import (
	"context"
	"time"

	"github.com/spf13/pflag"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/conversation"
	"github.com/ZanzyTHEbar/tars-case/tars/observability"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
	"github.com/ZanzyTHEbar/tars-case/tars/server"
)

const metricsNamespace = "tars"

func serveFlags(fs *pflag.FlagSet) {
	fs.String("server.addr", "", "listen address")
	fs.Bool("server.rate_limit_enabled", false, "limit requests per client IP")
	fs.Bool("autostart", false, "start one conversation as soon as the server is up")
}

func serveCommand(ctx context.Context, env *environment, args []string) error {
	if err := requireAPIKey(env.cfg); err != nil {
		return err
	}

	metrics := observability.NewMetrics(metricsNamespace)
	svc, err := conversation.NewServices(ctx, env.cfg, conversation.Observers{
		Calls: metrics,
		Steps: metrics,
	}, env.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	manager := conversation.NewManager(svc.Orchestrator, env.logger, metrics.ObserveTurn).
		WithRetention(env.cfg.Server.RetainFinished)
	metrics.RegisterRunning(metricsNamespace, func() float64 { return float64(manager.Running()) })

	env.loader.Watch(func(cfg *config.Config) {
		svc.Profile.Store(persona.Profile{
			Specialties: cfg.Conversation.Specialties,
			Task:        cfg.Conversation.Task,
		})
		env.logger.Info().Msg("Persona profile reloaded")
	}, func(err error) {
		env.logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
	})

	if env.loader.Viper().GetBool("autostart") {
		if _, err := manager.Start("", 0); err != nil {
			return err
		}
	}

	srv := server.New(env.cfg.Server, server.Deps{
		Conversations: manager,
		Store:         svc.Store,
		Metrics:       metrics,
		BreakerState:  svc.Guard.BreakerState,
	}, env.logger)
	serveErr := srv.ListenAndServe(ctx)

	timeout := env.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		env.logger.Warn().Err(err).Msg("Conversations did not stop in time")
	}
	return serveErr
}
