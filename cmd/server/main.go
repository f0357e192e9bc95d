package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabsync-server/internal/audit"
	"collabsync-server/internal/config"
	"collabsync-server/internal/coordinator"
	"collabsync-server/internal/handler"
	"collabsync-server/internal/middleware"
	"collabsync-server/internal/notify"
	"collabsync-server/internal/resolver"
	"collabsync-server/internal/session"
	"collabsync-server/internal/store"
	"collabsync-server/internal/validation"
	"collabsync-server/internal/websocket"
	"collabsync-server/pkg/jwt"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	schema, err := cfg.LoadSchema()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load schema")
	}

	// token issuing lives with the identity provider; in development a
	// throwaway token is printed so /ws can be exercised directly
	if cfg.Server.Env == "development" {
		if token, err := jwt.GenerateToken("dev-user", cfg.JWT.Expiration, cfg.JWT.Secret); err == nil {
			logger.Info().Str("token", token).Msg("development channel token")
		}
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	sessionStore := store.NewSessionStore(db)
	operationStore := store.NewOperationStore(db)
	conflictStore := store.NewConflictStore(db)
	auditStore := store.NewAuditStore(db)

	ledger := audit.NewLedger(auditStore, logger)

	txm := store.NewTxManager(db, store.RetryPolicy{
		MaxAttempts: cfg.Sync.MaxRetryAttempts,
		BackoffBase: cfg.Sync.RetryBackoffBase,
		BackoffCap:  cfg.Sync.RetryBackoffCap,
	}, logger)
	txm.SetAuditSink(ledger)

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		logger,
	)
	go wsManager.Run()

	sessions := session.NewManager(session.Config{
		IdleTimeout:       cfg.Session.IdleTimeout,
		CloseGracePeriod:  cfg.Session.CloseGracePeriod,
		FingerprintWindow: cfg.Session.FingerprintWindow,
		SweepInterval:     cfg.Session.SweepInterval,
	}, schema, sessionStore, txm, ledger, wsManager, logger)

	engine := resolver.New(logger)
	validator := validation.New(validation.AllowAll{}, cfg.Sync.MaxOperationPayloadBytes)

	coord := coordinator.New(
		validator,
		sessions,
		engine,
		txm,
		sessionStore,
		operationStore,
		conflictStore,
		ledger,
		notify.NewLogNotifier(logger),
		wsManager,
		cfg.Sync.ManualConflictWindow,
		logger,
	)

	wsMessageHandler := handler.NewWebSocketMessageHandler(sessions, coord, wsManager, logger)
	wsManager.SetMessageHandler(wsMessageHandler)

	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret, logger)
	conflictHandler := handler.NewConflictHandler(coord, sessions)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/sessions/{id}", conflictHandler.GetSession).Methods("GET", "OPTIONS")
	protected.HandleFunc("/sessions/{id}/conflicts", conflictHandler.ListConflicts).Methods("GET", "OPTIONS")
	protected.HandleFunc("/conflicts/{id}/resolve", conflictHandler.ResolveConflict).Methods("POST", "OPTIONS")
	protected.HandleFunc("/conflicts/{id}/withdraw", conflictHandler.WithdrawConflict).Methods("POST", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/health", healthHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Server.Env).Msg("starting collabsync server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	sessions.Stop()
	sessions.CloseAll(ctx)
	ledger.Close()

	logger.Info().Msg("server stopped gracefully")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.Server.Env == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"collabsync-server"}`))
}
