package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"kakiokoshi/internal/admission"
	"kakiokoshi/internal/api"
	"kakiokoshi/internal/config"
	"kakiokoshi/internal/database"
	"kakiokoshi/internal/dropzone"
	"kakiokoshi/internal/jobstore"
	"kakiokoshi/internal/modelmanager"
	"kakiokoshi/internal/processor"
	"kakiokoshi/internal/retention"
	"kakiokoshi/internal/webhook"
	"kakiokoshi/pkg/binaries"
	"kakiokoshi/pkg/logger"
	"kakiokoshi/pkg/middleware"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set by the release build)
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var flags struct {
		port          string
		host          string
		dataDir       string
		model         string
		retentionDays int
		unloadMinutes int
		maxUploadMB   int64
	}

	root := &cobra.Command{
		Use:     "kakiokoshi",
		Short:   "GPU-backed Japanese transcription service",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flags override the environment before config resolution.
			setEnvIfFlagged(cmd, "port", "PORT", flags.port)
			setEnvIfFlagged(cmd, "host", "HOST", flags.host)
			setEnvIfFlagged(cmd, "data-dir", "DATA_DIR", flags.dataDir)
			setEnvIfFlagged(cmd, "model", "WHISPER_MODEL", flags.model)
			setEnvIfFlagged(cmd, "retention-days", "JOB_RETENTION_DAYS", strconv.Itoa(flags.retentionDays))
			setEnvIfFlagged(cmd, "unload-minutes", "MODEL_UNLOAD_MINUTES", strconv.Itoa(flags.unloadMinutes))
			setEnvIfFlagged(cmd, "max-upload-mb", "MAX_UPLOAD_SIZE_MB", strconv.FormatInt(flags.maxUploadMB, 10))
			return run()
		},
	}

	root.Flags().StringVar(&flags.port, "port", "8000", "listen port")
	root.Flags().StringVar(&flags.host, "host", "0.0.0.0", "listen address")
	root.Flags().StringVar(&flags.dataDir, "data-dir", "/data", "data root directory")
	root.Flags().StringVar(&flags.model, "model", "large-v3", "whisper model identifier")
	root.Flags().IntVar(&flags.retentionDays, "retention-days", 7, "days to keep finished jobs")
	root.Flags().IntVar(&flags.unloadMinutes, "unload-minutes", 5, "idle minutes before the model is unloaded")
	root.Flags().Int64Var(&flags.maxUploadMB, "max-upload-mb", 10240, "maximum upload size in megabytes")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setEnvIfFlagged(cmd *cobra.Command, flag, env, value string) {
	if cmd.Flags().Changed(flag) {
		os.Setenv(env, value)
	}
}

func run() error {
	logger.Init(os.Getenv("LOG_LEVEL"))
	logger.Startup("config", "Loading configuration")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	if err := binaries.CheckRequired(); err != nil {
		return err
	}

	logger.Startup("database", "Opening job store")
	db, err := database.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close(db)
	store := jobstore.New(db)

	logger.Startup("model", "Preparing model manager")
	manager := modelmanager.New(modelmanager.Config{
		Model:         cfg.WhisperModel,
		ModelsDir:     cfg.ModelsDir(),
		IdleThreshold: cfg.IdleUnloadThreshold(),
		LoadTimeout:   cfg.ModelLoadTimeout,
	})

	webhooks := webhook.NewService()
	proc := processor.New(cfg, store, manager, webhooks)
	admitter := admission.New(cfg, store, proc)
	sweeper := retention.New(cfg, store)

	adminAuth, err := middleware.NewAdminAuth(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}

	handler := api.NewHandler(cfg, store, proc, admitter, manager, sweeper)
	router := api.SetupRoutes(handler, adminAuth, cfg.APIKey)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Startup("sweep", "Reconciling jobs left from a previous run")
	if err := proc.StartupSweep(ctx); err != nil {
		logger.Warn("Startup sweep failed", "error", err)
	}

	drop := dropzone.NewService(cfg, admitter)
	if err := drop.Start(ctx); err != nil {
		logger.Warn("Dropzone disabled", "error", err)
	} else {
		defer drop.Stop()
	}

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		proc.Run(ctx)
		return nil
	})
	g.Go(func() error {
		manager.Run(ctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Startup("http", fmt.Sprintf("Listening on http://%s:%s", cfg.Host, cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}
