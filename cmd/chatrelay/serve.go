package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

// drainTimeout bounds how long in-flight exchanges may finish after shutdown.
const drainTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run every configured service",
	Long: `Connects every service listed under "services" and answers messages
until interrupted. A service that fails stops the others and the process
exits with status 1.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if len(cfg.Services) == 0 {
		return errors.New("no services configured")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	runners := make(map[string]runner, len(cfg.Services))
	for _, s := range cfg.Services {
		r, err := a.service(s)
		if err != nil {
			return err
		}
		runners[s.Name] = r
		logger.Info().
			Str("service", s.Name).
			Str("type", s.Type).
			Str("model", cfg.ModelFor(s)).
			Bool("web_search", cfg.WebSearchFor(s)).
			Bool("prompt_override", s.SystemPrompt != "").
			Msg("service configured")
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		if err := a.prompt.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("system prompt file is not watched")
		}
		return nil
	})
	for name, r := range runners {
		p.Go(func(ctx context.Context) error {
			if err := r.Run(ctx); err != nil {
				logger.Error().Err(err).Str("service", name).Msg("service failed")
				return fmt.Errorf("service %s: %w", name, err)
			}
			return nil
		})
	}

	err = p.Wait()
	logger.Info().Msg("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if serr := a.queue.Stop(drainCtx); serr != nil {
		logger.Warn().Err(serr).Msg("exchanges still running at exit")
	}

	return err
}
