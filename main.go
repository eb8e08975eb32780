package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"novelty-server/internal/cache"
	"novelty-server/internal/config"
	"novelty-server/internal/db"
	"novelty-server/internal/live"
	"novelty-server/internal/observability"
	"novelty-server/internal/router"
	"novelty-server/internal/server"
	"novelty-server/internal/service"
	"novelty-server/internal/session"
	"novelty-server/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath   string
	memoryBroker bool
	verbose      bool

	rootCmd = &cobra.Command{
		Use:   "novelty-server",
		Short: "Orchestrates novelty detection trials for remote agents",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve experiment sessions from the broker and the admin API",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  runMigrate,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Return abandoned trials to the unclaimed pool once",
		RunE:  runSweep,
	}

	importCmd = &cobra.Command{
		Use:   "import [file]",
		Short: "Import recorded episodes from a JSON stream (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runImport,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the yaml configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	serveCmd.Flags().BoolVar(&memoryBroker, "memory-broker", false, "use an in-process broker instead of AMQP")

	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and opens the store.
func setup() (*service.ServiceContext, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	return service.NewServiceContext(cfg, gdb, observability.Default()), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := setup()
	if err != nil {
		return err
	}
	cfg := svc.Config

	shutdownTracing, err := observability.InitTracing(cfg.Observability.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("flushing traces failed", "error", err)
		}
	}()

	var broker transport.Transport
	if memoryBroker {
		broker = transport.NewMemory()
		slog.Warn("using the in-process broker; remote workers cannot connect")
	} else if broker, err = transport.DialAMQP(cfg.Broker.URL, cfg.Broker.VHost); err != nil {
		return err
	}

	srv := server.New(broker, session.Deps{
		Store:   svc.Store,
		Locks:   svc.Locks,
		Live:    live.DefaultRegistry(),
		Metrics: svc.Metrics,
		Options: session.Options{
			Timeout:                   cfg.Experiment.Timeout,
			TrainingTimeoutMultiplier: cfg.Experiment.TrainingTimeoutMultiplier,
			Demo:                      cfg.Experiment.Demo,
			Cache: cache.Options{
				WindowSize:      cfg.Cache.WindowSize,
				ReloadThreshold: cfg.Cache.ReloadThreshold,
			},
		},
	}, server.Options{
		NewExperimentQueue: cfg.Broker.NewExperimentQueue,
		AnalysisQueue:      cfg.Broker.AnalysisQueue,
		ReplyQueuePrefix:   cfg.Broker.ReplyQueuePrefix,
		MaxSessions:        cfg.Broker.MaxSessions,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if err := srv.Start(); err != nil {
		broker.Close()
		return err
	}
	if err := svc.Sweeper.Start(gctx); err != nil {
		broker.Close()
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router.SetupRouter(svc, srv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	g.Go(func() error {
		if err := broker.Run(brokerCtx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errors.New("broker connection ended")
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("admin api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		srv.Close()
		svc.Sweeper.Stop()
		stopBroker()

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	return g.Wait()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	// db.Open migrates the schema
	if _, err := setup(); err != nil {
		return err
	}
	slog.Info("schema is up to date")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	svc, err := setup()
	if err != nil {
		return err
	}
	n, err := svc.Sweeper.RunNow(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("reset %d abandoned trials\n", n)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	svc, err := setup()
	if err != nil {
		return err
	}
	in := os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	n, err := service.ImportEpisodes(cmd.Context(), svc.Store, in)
	fmt.Printf("imported %d episodes\n", n)
	return err
}
