package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/message"
	"github.com/lims/lims/internal/domain/result"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/ldt"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/notification"
	"github.com/lims/lims/internal/platform/tasks"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lims-server",
		Short: "Laboratory message pipeline server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(processLDTCmd())
	rootCmd.AddCommand(housekeepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			return nil
		},
	})

	return cmd
}

func processLDTCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process-ldt <file>",
		Short: "Parse a fixed-width LDT file and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			content, err := ldt.DecodeLatin1(raw)
			if err != nil {
				return err
			}

			parsed := ldt.ParseFile(content)
			stats := parsed.Statistics()
			fmt.Printf("Lines processed:  %d\n", parsed.TotalLines)
			fmt.Printf("Patients:         %d\n", stats.TotalPatients)
			fmt.Printf("Orders:           %d\n", stats.TotalOrders)
			fmt.Printf("Results:          %d\n", stats.TotalResults)
			fmt.Printf("Comments:         %d\n", stats.TotalComments)
			fmt.Printf("Line errors:      %d\n", len(parsed.Errors))
			for _, e := range parsed.Errors {
				fmt.Println("  " + e.String())
			}

			findings := parsed.Validate()
			fmt.Printf("Validation:       %d finding(s)\n", len(findings))
			for _, f := range findings {
				fmt.Println("  " + f)
			}
			if len(parsed.Errors) > 0 || len(findings) > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
}

func housekeepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "housekeep",
		Short: "Run the retention sweeps once (for cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			auditSvc := audit.NewService(audit.NewRepoPG(pool), logger)
			resultRepo := result.NewRepoPG(pool)
			engine := workflow.NewEngine(workflow.NewRepoPG(pool), resultRepo,
				notification.NewManager(&notification.LogEmailSender{Logger: logger}, nil,
					notification.NewTemplateEngine(), logger),
				&notification.StaticDirectory{}, auditSvc, logger)
			messageSvc := message.NewService(message.NewRepoPG(pool), resultRepo, engine,
				tasks.NopQueue{}, db.PoolRunner{Pool: pool}, nil, auditSvc, logger)

			purged, err := messageSvc.PurgeSettled(ctx,
				time.Duration(cfg.MessageRetentionDays)*24*time.Hour)
			if err != nil {
				return fmt.Errorf("message retention sweep: %w", err)
			}
			auditPurged, err := auditSvc.Purge(ctx,
				time.Now().UTC().AddDate(0, 0, -cfg.AuditRetentionDays))
			if err != nil {
				return fmt.Errorf("audit retention sweep: %w", err)
			}

			fmt.Printf("Purged %d message(s), %d audit entrie(s).\n", purged, auditPurged)
			return nil
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Task queue
	queue := tasks.NewWorkerPool(cfg.WorkerCount, cfg.QueueBuffer, logger)
	queue.Start(ctx)

	// Notifications. Without an SMTP relay configured, deliveries go to the
	// log so the pipeline still runs end to end.
	templates := notification.NewTemplateEngine()
	var emailSender notification.EmailSender = &notification.LogEmailSender{Logger: logger}
	if cfg.SMTPHost != "" {
		emailSender = &notification.SMTPEmailSender{
			Addr: fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
			From: cfg.AlertEmailFrom,
		}
	}
	notifier := notification.NewManager(emailSender, nil, templates, logger)
	directory := &notification.StaticDirectory{}

	// Domain wiring
	auditSvc := audit.NewService(audit.NewRepoPG(pool), logger)

	resultRepo := result.NewRepoPG(pool)
	resultSvc := result.NewService(resultRepo, auditSvc, logger)
	resultHandler := result.NewHandler(resultSvc)

	workflowRepo := workflow.NewRepoPG(pool)
	engine := workflow.NewEngine(workflowRepo, resultRepo, notifier, directory, auditSvc, logger)
	workflowHandler := workflow.NewHandler(engine, logger)

	messageRepo := message.NewRepoPG(pool)
	messageSvc := message.NewService(messageRepo, resultRepo, engine, queue,
		db.PoolRunner{Pool: pool}, nil, auditSvc, logger)
	messageHandler := message.NewHandler(messageSvc, logger)

	ldtHandler := ldt.NewHandler()

	// Retention sweeps run once a day.
	housekeepingCtx, stopHousekeeping := context.WithCancel(ctx)
	defer stopHousekeeping()
	go runHousekeeping(housekeepingCtx, cfg, messageSvc, auditSvc, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Routes
	apiV1 := e.Group("/api/v1")
	messageHandler.RegisterRoutes(apiV1)
	resultHandler.RegisterRoutes(apiV1)
	workflowHandler.RegisterRoutes(apiV1)
	ldtHandler.RegisterRoutes(apiV1)
	e.GET("/healthz", db.HealthHandler(pool))

	// Serve
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	stopHousekeeping()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("queue shutdown")
	}
	return nil
}

// runHousekeeping applies the retention windows: processed and rejected
// messages are kept for MESSAGE_RETENTION_DAYS, audit entries for
// AUDIT_RETENTION_DAYS.
func runHousekeeping(ctx context.Context, cfg *config.Config, messages *message.Service,
	auditSvc *audit.Service, logger zerolog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := messages.PurgeSettled(ctx,
				time.Duration(cfg.MessageRetentionDays)*24*time.Hour); err != nil {
				logger.Error().Err(err).Msg("message retention sweep failed")
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.AuditRetentionDays)
			if _, err := auditSvc.Purge(ctx, cutoff); err != nil {
				logger.Error().Err(err).Msg("audit retention sweep failed")
			}
		}
	}
}
