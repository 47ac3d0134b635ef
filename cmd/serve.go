package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/carelane/carebot/internal/agent"
	"github.com/carelane/carebot/internal/api"
	"github.com/carelane/carebot/internal/auth"
	"github.com/carelane/carebot/internal/chat"
	"github.com/carelane/carebot/internal/config"
	"github.com/carelane/carebot/internal/database"
	"github.com/carelane/carebot/internal/ehr"
	"github.com/carelane/carebot/internal/log"
	"github.com/carelane/carebot/internal/observability"
	"github.com/carelane/carebot/internal/prompt"
	"github.com/carelane/carebot/internal/schema"
	"github.com/carelane/carebot/internal/session"
	"github.com/carelane/carebot/internal/tools"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second

	// modelCallTimeout bounds each chat completion round trip. The agent
	// loop itself has no wall clock; only individual calls time out.
	modelCallTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe initializes and starts the HTTP API server.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Info("starting carebot", "version", Version)

	if cfg.TraceEndpoint != "" {
		stopTracing := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.TraceEndpoint,
			Environment: cfg.Environment,
			ServiceName: "carebot",
		}, logger)
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer flushCancel()
			if err := stopTracing(flushCtx); err != nil {
				logger.Warn("flushing traces", "error", err)
			}
		}()
	}

	// The clinic database is optional. Without it the query tool and the
	// schema section of the system prompt are simply absent.
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to clinic database: %w", err)
		}
		defer pool.Close()
	} else {
		logger.Info("no database configured, query tool disabled")
	}

	ehrClient := ehr.New(cfg.EHRBaseURL, logger)

	toolset := tools.EHRToolset(ehrClient)
	if pool != nil {
		toolset = append(toolset, tools.QueryDatabaseTool(pool, cfg.SQLRowLimit))
	}
	registry, err := tools.NewRegistry(logger, toolset...)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}
	logger.Info("tool registry ready", "tools", registry.Len())

	var schemaSource prompt.FragmentSource
	var introspector *schema.Introspector
	if pool != nil {
		introspector = schema.NewIntrospector(pool, logger)
		schemaSource = introspector
	}
	prompts := prompt.NewAssembler(schemaSource)

	// SIGHUP drops the cached schema description and system prompt so a
	// migrated database is picked up without a restart.
	caches := []cache{prompts}
	if introspector != nil {
		caches = append([]cache{introspector}, caches...)
	}
	watchReload(ctx, logger, caches)

	loop := agent.New(newModelClient(cfg), registry, cfg.Model, cfg.MaxIterations, logger)

	sessions := session.NewStore(cfg.HistoryLimit)
	svc := chat.NewService(loop, prompts, sessions, ehrClient, cfg.RateLimitPerWindow, logger)

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Chat:        svc,
		Verifier:    auth.NewVerifier([]byte(cfg.JWTSecret)),
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
		Model:       cfg.Model,
		ToolCount:   registry.Len(),
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.Addr,
		"api", "/api/v1/chat",
		"health", "/api/v1/chat/health",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// cache is anything rebuilt on demand after Invalidate.
type cache interface {
	Invalidate()
}

// refreshCaches drops cached state so the next request rebuilds it against
// the live database.
func refreshCaches(logger log.Logger, caches []cache) {
	for _, c := range caches {
		c.Invalidate()
	}
	logger.Info("caches invalidated", "count", len(caches))
}

// watchReload refreshes caches whenever the process receives SIGHUP, until
// ctx is done.
func watchReload(ctx context.Context, logger log.Logger, caches []cache) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("received SIGHUP, refreshing caches")
				refreshCaches(logger, caches)
			}
		}
	}()
}

// newModelClient builds the chat completion client. BaseURL overrides allow
// pointing at OpenAI-compatible gateways.
func newModelClient(cfg *config.Config) *openai.Client {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	cc.HTTPClient = &http.Client{Timeout: modelCallTimeout}
	return openai.NewClientWithConfig(cc)
}
