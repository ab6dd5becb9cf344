package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/healthbot/portal/internal/domain/chat"
	"github.com/healthbot/portal/internal/domain/reports"
	"github.com/healthbot/portal/internal/domain/session"
	"github.com/healthbot/portal/internal/domain/upload"
	"github.com/healthbot/portal/internal/platform/db"
	"github.com/healthbot/portal/internal/platform/middleware"
	"github.com/healthbot/portal/internal/platform/staging"
	"github.com/healthbot/portal/internal/platform/websocket"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stdout)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to initialize")
				return err
			}
			defer a.Close()
			return runServer(a)
		},
	}
}

// newServer wires every handler onto a fresh echo instance.
func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     a.cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderContentType, middleware.RequestIDHeader},
		AllowCredentials: true,
	}))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit, a.cfg.UploadBodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, a.logger))
	}

	hub := websocket.NewHub(a.logger.With().Str("component", "websocket").Logger())
	reportSvc := reports.NewService(a.client)
	uploadSvc := upload.NewService(
		a.client,
		staging.NewMemoryStore(middleware.ParseLimit(a.cfg.UploadBodyLimit)),
		hub,
		a.logger.With().Str("component", "upload").Logger(),
		a.cfg.DefaultDocType,
	)
	chatSvc := chat.NewService(a.client, reportSvc, a.logger.With().Str("component", "chat").Logger())

	// Chat panels and upload queues belong to whoever is signed in.
	a.sessions.OnReset(func(ctx context.Context) {
		chatSvc.Reset()
		uploadSvc.Reset(ctx)
	})

	root := e.Group("")
	guard := session.RequireSession(a.sessions)

	session.NewHandler(a.sessions).RegisterRoutes(root, middleware.RateLimit(middleware.AuthRateLimitConfig()))
	reports.NewHandler(reportSvc).RegisterRoutes(root, guard)
	upload.NewHandler(uploadSvc).RegisterRoutes(root, guard)
	chat.NewHandler(chatSvc).RegisterRoutes(root, guard)
	websocket.NewHandler(hub, a.cfg.CORSOrigins).RegisterRoutes(root, guard)

	return e
}

func runServer(a *app) error {
	if _, err := a.sessions.Hydrate(context.Background()); err == nil {
		a.logger.Info().Str("state", string(a.sessions.State())).Msg("restored session")
	} else if !errors.Is(err, session.ErrNoSession) {
		a.logger.Warn().Err(err).Msg("could not restore session")
	}

	e := newServer(a)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("api", a.cfg.APIBaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		a.logger.Error().Err(err).Msg("server error")
		return err
	case <-quit:
	}

	a.logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}
