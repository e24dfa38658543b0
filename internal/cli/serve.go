package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/turnorch/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/retrieval"
	"github.com/xiaot623/gogo/turnorch/internal/config"
	"github.com/xiaot623/gogo/turnorch/internal/events"
	"github.com/xiaot623/gogo/turnorch/internal/gateway"
	"github.com/xiaot623/gogo/turnorch/internal/metrics"
	store "github.com/xiaot623/gogo/turnorch/internal/repository"
	"github.com/xiaot623/gogo/turnorch/internal/service"
	"github.com/xiaot623/gogo/turnorch/internal/stream"
	"github.com/xiaot623/gogo/turnorch/internal/tools"
	httptransport "github.com/xiaot623/gogo/turnorch/internal/transport/http"
	"github.com/xiaot623/gogo/turnorch/internal/transport/rpc"
	"github.com/xiaot623/gogo/turnorch/policy"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the JSON-RPC server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			// Flags given on the command line win over the config file.
			logCfg := cfg.Log
			if cmd.Flags().Changed("log-level") {
				logCfg.Level = opts.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				logCfg.Format = opts.logFormat
			}
			if err := initLogger(logCfg, cmd.ErrOrStderr()); err != nil {
				return err
			}

			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Int("http_port", cfg.HTTPPort).
		Int("rpc_port", cfg.RPCPort).
		Str("database", cfg.DatabaseURL).
		Str("model_mode", cfg.Models.Mode).
		Str("model_base_url", cfg.Models.BaseURL).
		Str("rag_backend", cfg.RAG.Backend).
		Msg("Starting turnorch")

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to initialize store")
	}
	defer db.Close()

	registry := tools.NewRegistry()
	if _, err := tools.RegisterFilesystem(registry, cfg.WorkspaceRoot); err != nil {
		return errors.Wrap(err, "failed to register builtin tools")
	}
	gw := gateway.New(gateway.Options{
		Servers:          cfg.Tools.Servers,
		Builtin:          registry,
		APIKeys:          cfg.APIKey,
		WorkspaceRoot:    cfg.WorkspaceRoot,
		BreakerThreshold: cfg.Gateway.BreakerThreshold,
		BreakerRecovery:  cfg.Gateway.BreakerRecovery,
		ListTimeout:      cfg.Timeouts.Tool,
	})
	defer gw.Close()

	var engine *policy.Engine
	if cfg.Policy.File != "" {
		engine, err = policy.NewEngineFromFile(ctx, cfg.Policy.File)
	} else {
		engine, err = policy.NewEngine(ctx, policy.DefaultPolicy)
	}
	if err != nil {
		return errors.Wrap(err, "failed to initialize policy engine")
	}

	retriever, err := retrieval.New(retrieval.Options{
		Backend:      cfg.RAG.Backend,
		URL:          cfg.RAG.URL,
		Timeout:      cfg.Timeouts.Tool,
		Encoding:     cfg.RAG.Encoding,
		ChunkSize:    cfg.RAG.ChunkSizeTokens,
		ChunkOverlap: cfg.RAG.ChunkOverlapTokens,
	}, db)
	if err != nil {
		return errors.Wrap(err, "failed to initialize retrieval")
	}

	bus := events.NewBus()
	defer bus.Close()
	hub := stream.NewHub()
	runEvents, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go hub.Forward(ctx, runEvents)

	rec := metrics.New()
	svc := service.New(service.Options{
		Store:     db,
		Model:     llm.NewModelClient(cfg.Models.Mode, cfg.Models.BaseURL, cfg.Models.APIKey, cfg.Timeouts.Model),
		Gateway:   gw,
		Retriever: retriever,
		Policy:    engine,
		Events:    bus,
		Metrics:   rec,
		Config:    cfg,
	})

	recovered, err := svc.RecoverOrphanedRuns(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to recover orphaned runs")
	}
	if recovered > 0 {
		log.Warn().Int("runs", recovered).Msg("Marked runs left running by a previous process as failed")
	}

	httpServer := httptransport.NewServer(svc, hub, rec)
	rpcServer, err := rpc.NewServer(svc)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.Info().Str("addr", addr).Msg("HTTP API listening")
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		log.Info().Str("addr", addr).Msg("JSON-RPC listening")
		return errors.Wrap(rpcServer.Start(addr), "rpc server")
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down turnorch")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down HTTP server gracefully")
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down RPC server gracefully")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("turnorch stopped")
	return nil
}
