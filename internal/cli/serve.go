package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmueller/voxqueue/internal/artifact"
	"github.com/fmueller/voxqueue/internal/janitor"
	"github.com/fmueller/voxqueue/internal/logging"
	"github.com/fmueller/voxqueue/internal/queue"
	"github.com/fmueller/voxqueue/internal/server"
	"github.com/fmueller/voxqueue/internal/status"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription queue and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx)
		},
	}
}

// service is the long-running job pipeline behind the HTTP API.
type service struct {
	artifacts *artifact.Manager
	board     *status.Board
	queue     *queue.Queue
	janitor   *janitor.Janitor
	handler   http.Handler
}

func (a *appState) newService() (*service, error) {
	artifacts, err := a.newArtifacts()
	if err != nil {
		return nil, err
	}

	loader, err := a.newLoader()
	if err != nil {
		return nil, err
	}

	board := status.NewBoard()
	runner := a.newRunner(artifacts, board, loader)
	jobs := queue.New(runner, board, artifacts, a.queueOptions(), logging.ForComponent(a.log(), "queue"))

	sweeper, err := janitor.New(a.cfg.JanitorSchedule, a.cfg.ArtifactTTL, artifacts, board, jobs, logging.ForComponent(a.log(), "janitor"))
	if err != nil {
		return nil, err
	}

	api := server.New(jobs, artifacts, server.Options{
		MaxUploadBytes:  a.cfg.MaxUploadBytes,
		DefaultLanguage: a.cfg.Language,
	}, logging.ForComponent(a.log(), "http"))

	return &service{
		artifacts: artifacts,
		board:     board,
		queue:     jobs,
		janitor:   sweeper,
		handler:   api.Handler(),
	}, nil
}

func (s *service) start(ctx context.Context) {
	s.queue.Start(ctx)
	s.janitor.Start(ctx)
}

func (a *appState) serve(ctx context.Context) error {
	if !a.cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := a.newService()
	if err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	svc.start(workCtx)

	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	a.log().Info("http api listening",
		zap.String("addr", a.cfg.ListenAddr),
		zap.String("upload_dir", svc.artifacts.Dir()),
		zap.String("engine", a.cfg.Engine),
		zap.Int("workers", a.cfg.Workers),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.log().Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log().Warn("http server shutdown failed", zap.Error(err))
	}
	if err := svc.queue.Shutdown(shutdownCtx); err != nil {
		a.log().Warn("queue shutdown failed", zap.Error(err))
	}
	cancelWork()

	return runErr
}
