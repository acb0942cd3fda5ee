package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"speedcam-service/internal/db"
	httpapi "speedcam-service/internal/http"
	"speedcam-service/internal/notify"
	"speedcam-service/internal/repository"
	"speedcam-service/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection pipeline with the HTTP API and database",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	gdb, err := db.Open(cfg.Database.DSN())
	if err != nil {
		return err
	}
	repo := repository.NewViolationRepository(gdb)

	var notifier notify.Notifier
	if len(cfg.Notify.URLs) > 0 {
		notifier, err = notify.NewShoutrrrNotifier(cfg.Notify.URLs, cfg.Notify.Timeout, log)
		if err != nil {
			return err
		}
	}
	violations := service.NewViolationService(repo, notifier, log)

	p, cleanup, err := buildPipeline(cfg, violations, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		return err
	}

	handler := httpapi.NewHandler(violations, p, cfg, log)
	router := httpapi.NewRouter(handler, cfg.Server.JWTSecret, log)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.Stop()
			p.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	p.Stop()
	p.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
