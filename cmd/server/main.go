package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"consultflow/backend/internal/api"
	"consultflow/backend/internal/auth"
	"consultflow/backend/internal/blob"
	"consultflow/backend/internal/config"
	"consultflow/backend/internal/events"
	"consultflow/backend/internal/logging"
	"consultflow/backend/internal/mcp"
	"consultflow/backend/internal/metrics"
	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/retrieval"
	"consultflow/backend/internal/tls"
	"consultflow/backend/internal/workflow"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and MCP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context(), configPath)
		},
	}

	root := &cobra.Command{
		Use:          "consultflow",
		Short:        "Consulting workflow orchestrator",
		Version:      version,
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./config.yaml)")
	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func migrate(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if cfg.Store != "postgres" {
		logger.Info("Nothing to migrate", "store", cfg.Store)
		return nil
	}
	pool, err := repository.OpenPool(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := repository.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return err
	}
	logger.Info("Database schema applied", "database", cfg.DB.Name)
	return nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"store", cfg.Store,
		"llm_provider", cfg.LLM.Provider,
		"embeddings_provider", cfg.Embeddings.Provider,
		"okta_domain", cfg.Auth.OktaDomain,
		"config_file", viper.ConfigFileUsed(),
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; PKCE login from /docs will fail if the backend app requires a secret")
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	broker := events.NewBroker(0)
	publisher := events.Fanout{broker}
	if cfg.NATS.URL != "" {
		conn, err := events.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer conn.Drain()
		publisher = append(publisher, events.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix, logger))
		logger.Info("Publishing step events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	client := newClient(cfg)
	embedder := newEmbedder(cfg)
	vault := retrieval.NewService(store, embedder, retrieval.Options{
		ChunkSize:         cfg.Vault.ChunkSize,
		ChunkOverlap:      cfg.Vault.ChunkOverlap,
		MaxChunks:         cfg.Vault.MaxChunks,
		ZeroMatchFallback: cfg.Vault.ZeroMatchFallback,
		EmbedBatchSize:    cfg.Embeddings.BatchSize,
		IngestConcurrency: cfg.Vault.IngestConcurrency,
	}, logger.With("component", "retrieval"), recorder)

	engineOpts := workflow.Options{
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		RetryCount:      cfg.Workflow.RetryCount,
		CriticThreshold: cfg.Workflow.CriticThreshold,
		MaxRevisions:    cfg.Workflow.MaxRevisions,
		RetrievalChunks: cfg.Vault.MaxChunks,
	}
	if cfg.LLM.Temperature > 0 {
		engineOpts.Temperature = &cfg.LLM.Temperature
	}
	engineLogger := logger.With("component", "workflow")
	executor := workflow.NewExecutor(store, client, engineOpts,
		workflow.WithRetriever(vault),
		workflow.WithPublisher(publisher),
		workflow.WithRecorder(recorder),
		workflow.WithLogger(engineLogger),
	)
	critic := workflow.NewCriticLoop(executor, store)
	controller := workflow.NewController(store, executor, critic,
		workflow.WithStepTimeout(cfg.Workflow.StepTimeout),
		workflow.WithControllerPublisher(publisher),
		workflow.WithControllerLogger(engineLogger),
		workflow.WithControllerRecorder(recorder),
	)
	if n, err := controller.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Warn("Interrupted steps marked failed", "count", n)
	}

	blobs, err := blob.NewDiskStore(cfg.Blob.Dir)
	if err != nil {
		return err
	}

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}
	if authz.Bypassed() {
		logger.Warn("Authentication bypassed; every request runs as " + auth.DevOperator)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("consultflow"))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	server := api.NewServer(controller, store, vault, blobs, broker, logger,
		api.WithMaxUploadBytes(cfg.Vault.MaxUploadBytes),
		api.WithVersion(version),
	)
	e.GET("/health", server.Health)
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, server)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(controller, vault, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(auth.RequireScope(auth.ScopeWorkflowWrite)(mcpHandlers)))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID, auth.AllScopes)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      e,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.HTTP.Addr, "tls", cfg.TLS.Enable, "version", version)
		if cfg.TLS.Enable {
			created, err := tls.EnsureSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
			if err != nil {
				serverErrors <- fmt.Errorf("prepare TLS certificate: %w", err)
				return
			}
			if created {
				logger.Warn("Generated a self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
			}
			serverErrors <- httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
	}

	vault.Wait()
	logger.Info("Server stopped gracefully")
	return nil
}
