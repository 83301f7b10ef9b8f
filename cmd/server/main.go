package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/browserpilot/controlplane/api/handlers"
	"github.com/browserpilot/controlplane/internal/db"
	"github.com/browserpilot/controlplane/internal/model"
	"github.com/browserpilot/controlplane/internal/repository"
	"github.com/browserpilot/controlplane/internal/session"
	"github.com/browserpilot/controlplane/internal/ws"
	"github.com/browserpilot/controlplane/pkg/engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controlplane-server",
		Short: "Browser automation session control plane",
		Long: "Serves the session management API and the realtime session channel " +
			"used by operator frontends to watch and steer browser automation.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	flags := cmd.Flags()
	flags.String("port", "8080", "HTTP listen port")
	flags.String("db-path", "data/sessions.db", "SQLite database path")
	flags.String("transcript-dir", "data/transcripts", "directory for session transcripts")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("max-sessions", 10, "maximum running sessions per owner")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("CONTROLPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

func runServer() error {
	logger := newLogger(viper.GetString("log-level"))
	slog.SetDefault(logger)

	port := viper.GetString("port")
	dbPath := viper.GetString("db-path")
	transcriptDir := viper.GetString("transcript-dir")
	maxSessions := viper.GetInt("max-sessions")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(transcriptDir, 0755); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database)

	engineManager := engine.NewManager(func(sess *model.Session) engine.AutomationEngine {
		return engine.NewScriptedEngine(engine.ScriptedConfig{
			LiveViewURL:   "https://liveview.example.com/" + sess.ID,
			LiveViewDelay: 2 * time.Second,
			StepDelay:     time.Second,
		}, logger)
	})
	defer engineManager.Close()

	wsService := ws.NewService(engineManager, logger)
	defer wsService.Close()

	sessionManager := session.NewManager(sessionRepo, wsService, session.Config{
		TranscriptDir:      transcriptDir,
		MaxSessionsPerUser: maxSessions,
	})
	defer sessionManager.Close()

	// Persist engine-driven status transitions so the session list reflects
	// finished and failed runs across restarts.
	wsService.SetOnStatusChange(func(sessionID string, status model.SessionStatus) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sessionRepo.UpdateStatus(ctx, sessionID, status); err != nil {
			logger.Error("failed to persist session status", "session", sessionID, "err", err)
		}
	})

	sessionHandler := handlers.NewSessionHandler(sessionManager)
	wsHandler := handlers.NewWebSocketHandler(wsService.Handler(), sessionManager)

	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		sessionManager.Close()
		engineManager.Close()
		wsService.Close()
		database.Close()
		os.Exit(0)
	}()

	logger.Info("starting server", "port", port)
	if err := r.Run(":" + port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Owner-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
