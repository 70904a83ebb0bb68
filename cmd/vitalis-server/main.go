package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vitalis/vitalis/internal/config"
	"github.com/vitalis/vitalis/internal/domain/identity"
	"github.com/vitalis/vitalis/internal/domain/scheduling"
	"github.com/vitalis/vitalis/internal/migrations"
	"github.com/vitalis/vitalis/internal/platform/auth"
	"github.com/vitalis/vitalis/internal/platform/db"
	"github.com/vitalis/vitalis/internal/platform/events"
	"github.com/vitalis/vitalis/internal/platform/metrics"
	"github.com/vitalis/vitalis/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vitalis-server",
		Short: "Appointment scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationsFS returns dir when set, otherwise the migrations built into the
// binary.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			target, _ := cmd.Flags().GetInt("to")

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

			count, err := db.NewMigrator(pool, migrationsFS(dir)).UpTo(ctx, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	// migrate status
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

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage materialized availability slots",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Regenerate slots for one calendar or all calendars",
		RunE: func(cmd *cobra.Command, args []string) error {
			calendar, _ := cmd.Flags().GetString("calendar")
			all, _ := cmd.Flags().GetBool("all")
			if (calendar == "") == !all {
				return fmt.Errorf("exactly one of --calendar or --all is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := logger.WithContext(context.Background())

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			pub := newPublisher(cfg, logger)
			defer pub.Close()

			svc, _, err := newServices(cfg, pool, pub)
			if err != nil {
				return err
			}

			var results []*scheduling.MaterializeResult
			if all {
				results, err = svc.MaterializeAll(ctx)
			} else {
				id, perr := uuid.Parse(calendar)
				if perr != nil {
					return fmt.Errorf("invalid --calendar: %w", perr)
				}
				var res *scheduling.MaterializeResult
				res, err = svc.Materialize(ctx, id)
				if res != nil {
					results = append(results, res)
				}
			}
			out := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintf(out, "%s  deleted=%d preserved=%d inserted=%d\n", r.CalendarID, r.Deleted, r.Preserved, r.Inserted)
			}
			return err
		},
	}
	generateCmd.Flags().String("calendar", "", "Calendar id to regenerate")
	generateCmd.Flags().Bool("all", false, "Regenerate every calendar")
	cmd.AddCommand(generateCmd)

	return cmd
}

// tokenCmd issues HS256 tokens signed with AUTH_SIGNING_KEY for local use.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if _, err := uuid.Parse(subject); err != nil {
				return fmt.Errorf("--sub must be a user id: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			token, err := auth.SignToken([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "User id placed in the subject claim")
	cmd.Flags().StringSlice("roles", []string{auth.RolePatient}, "Roles claim")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// newPublisher connects to RabbitMQ when AMQP_URL is set. Events are dropped
// otherwise, or when the broker is unreachable at startup.
func newPublisher(cfg *config.Config, logger zerolog.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.NoopPublisher{}
	}
	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsExchange)
	if err != nil {
		logger.Warn().Err(err).Msg("event publishing disabled")
		return events.NoopPublisher{}
	}
	logger.Info().Str("exchange", cfg.EventsExchange).Msg("connected to message broker")
	return pub
}

func newServices(cfg *config.Config, pool *pgxpool.Pool, pub events.Publisher) (*scheduling.Service, *identity.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	users := identity.NewService(identity.NewUserRepoPG(pool))
	sched := scheduling.NewService(
		scheduling.NewCalendarRepoPG(pool),
		scheduling.NewBlockRepoPG(pool),
		scheduling.NewSlotRepoPG(pool),
		scheduling.NewAppointmentRepoPG(pool),
		users,
		db.NewTxRunner(pool),
		pub,
		scheduling.Options{
			Location:     loc,
			HorizonDays:  cfg.SlotHorizonDays,
			DefaultOwner: cfg.PlaceholderOwner(),
		},
	)
	return sched, users, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	var verify echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" || cfg.AuthIssuer != "" || cfg.AuthJWKSURL != "" {
		verify = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(cfg.DefaultOwnerID, verify)
	}
	return verify
}

func newRouter(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if cfg.MetricsEnabled {
		e.Use(metrics.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	if cfg.RateLimitRPS > 0 {
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimitRPS
		rl.BurstSize = cfg.RateLimitBurst
		e.Use(middleware.RateLimit(rl))
	}
	e.Use(middleware.RequestTimeout(30 * time.Second))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	// Database
	ctx := context.Background()
	var poolOpts []db.PoolOption
	if cfg.MetricsEnabled {
		poolOpts = append(poolOpts, db.WithTracer(metrics.QueryTracer{}))
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, poolOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	pub := newPublisher(cfg, logger)
	defer pub.Close()

	schedSvc, userSvc, err := newServices(cfg, pool, pub)
	if err != nil {
		return err
	}

	e := newRouter(cfg, logger)
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))

	// API
	apiV1 := e.Group("/api/v1")
	if mw := authMiddleware(cfg); mw != nil {
		apiV1.Use(mw)
	}
	identity.NewHandler(userSvc).RegisterRoutes(apiV1)
	scheduling.NewHandler(schedSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("timezone", schedSvc.Location().String()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
