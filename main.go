package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/webshell-dev/webshell/internal/auth"
	"github.com/webshell-dev/webshell/internal/config"
	"github.com/webshell-dev/webshell/internal/handlers"
	"github.com/webshell-dev/webshell/internal/logging"
	"github.com/webshell-dev/webshell/internal/middleware"
	"github.com/webshell-dev/webshell/internal/terminal"
)

//go:embed frontend/dist
var frontendFS embed.FS

// remoteTarget builds the SSH settings for every terminal when a non-local
// host is configured; nil means terminals are local ptys.
func remoteTarget() *terminal.SSHConfig {
	if config.Cfg.IsLocal() {
		return nil
	}
	remote := &terminal.SSHConfig{
		Host: config.Cfg.Host,
		Port: config.Cfg.SSHPort,
		User: config.Cfg.User,
	}
	switch config.Cfg.AuthMethod() {
	case config.AuthPassword:
		remote.Auth = terminal.AuthPassword
		remote.Password = config.Cfg.Password
	case config.AuthKeyFile:
		remote.Auth = terminal.AuthKeyFile
		remote.KeyPath = config.Cfg.SSHKey
		remote.Passphrase = config.Cfg.SSHPassphrase
	case config.AuthKeyData:
		remote.Auth = terminal.AuthKeyData
		remote.KeyData = config.Cfg.SSHKeyData
		remote.Passphrase = config.Cfg.SSHPassphrase
	default:
		remote.Auth = terminal.AuthNone
		log.Warn().Str("host", config.Cfg.Host).
			Msg("remote host configured without credentials; terminals cannot connect until WEBSHELL_PASSWORD or an SSH key is set")
	}
	return remote
}

func main() {
	_ = godotenv.Load()
	config.Load()
	logging.Init(config.Cfg.LogLevel, config.Cfg.LogPretty)

	log.Info().Int("port", config.Cfg.Port).
		Str("workspace", config.Cfg.WorkspaceDir).
		Msg("starting webshell")
	if config.Cfg.Host != "" {
		log.Info().Str("host", config.Cfg.Host).Msg("target host configured")
	}
	if config.Cfg.AutoLogin() {
		log.Info().Str("user", config.Cfg.User).Msg("auto-login enabled")
	}

	termMgr := terminal.NewManager(terminal.Config{
		WorkspaceDir: config.Cfg.WorkspaceDir,
		MaxTerminals: config.Cfg.MaxTerminals,
		IdleTimeout:  time.Duration(config.Cfg.IdleTimeout) * time.Second,
		Remote:       remoteTarget(),
	})
	handlers.TerminalManager = termMgr

	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	// Expired-token sweep
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			sessionStore.Cleanup()
		}
	}()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.Cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", handlers.GetConfig)
		r.Post("/login", handlers.Login)
		r.Post("/logout", handlers.Logout)
		r.Get("/session", handlers.SessionCheck)
	})

	// Terminal websocket (auth required)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(sessionStore))
		r.Get("/ws", handlers.TerminalSocket)
	})

	// SPA static files: embedded bundle, or an on-disk override
	var staticFS fs.FS
	if dir := config.Cfg.StaticDir; dir != "" {
		log.Info().Str("dir", dir).Msg("serving static files from disk")
		staticFS = os.DirFS(dir)
	} else {
		staticFS, _ = fs.Sub(frontendFS, "frontend/dist")
	}
	spa := middleware.NewSPAHandler(staticFS)
	r.NotFound(spa.ServeHTTP)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-sigCtx.Done()
	log.Info().Msg("shutting down")

	termMgr.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
