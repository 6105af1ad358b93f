package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/time/rate"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/dosage"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/docstore"
	"github.com/hms/hms/internal/platform/lock"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hms-server",
		Short: "Hospital medication scheduler API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hospitalCmd())
	rootCmd.AddCommand(schedulesCmd())

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

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded migrations to hospital schemas",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas, err := targetSchemas(ctx, pool, schema)
			if err != nil {
				return err
			}
			migrator := db.NewMigratorFS(pool, migrations.FS)
			for _, s := range schemas {
				count, err := migrator.Up(ctx, s)
				if err != nil {
					return fmt.Errorf("migration failed on %s: %w", s, err)
				}
				fmt.Printf("%s: applied %d migration(s)\n", s, count)
			}
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default: every hospital schema)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas, err := targetSchemas(ctx, pool, schema)
			if err != nil {
				return err
			}
			migrator := db.NewMigratorFS(pool, migrations.FS)
			for _, s := range schemas {
				statuses, err := migrator.Status(ctx, s)
				if err != nil {
					return fmt.Errorf("failed to get migration status for %s: %w", s, err)
				}
				fmt.Printf("Migration status for schema: %s\n", s)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, st := range statuses {
					status := "pending"
					appliedAt := ""
					if st.Applied {
						status = "applied"
						if st.AppliedAt != nil {
							appliedAt = st.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", st.Version, st.Name, status, appliedAt)
				}
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default: every hospital schema)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func hospitalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hospital",
		Short: "Manage hospital schemas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <hospital-id>",
		Short: "Create a hospital schema and migrate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating hospital schema: %s\n", db.SchemaName(args[0]))
			if err := db.CreateTenantSchema(ctx, pool, args[0], db.NewMigratorFS(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Println("Hospital created.")
			return nil
		},
	})
	return cmd
}

func schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Maintenance tasks for medication schedules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Deactivate schedules whose course has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"))
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			loc, _ := cfg.Location()

			ctx := context.Background()
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			svc := dosage.NewService(st.schedules, st.prescriptions, logger)
			svc.SetLocation(loc)

			if st.pool == nil {
				_, err := svc.ExpireAll(ctx)
				return err
			}

			schemas, err := db.ListTenantSchemas(ctx, st.pool)
			if err != nil {
				return err
			}
			total := 0
			for _, schema := range schemas {
				n, err := expireHospital(ctx, st.pool, svc, db.TenantIDFromSchema(schema))
				if err != nil {
					return fmt.Errorf("expire schedules in %s: %w", schema, err)
				}
				total += n
			}
			fmt.Printf("Expired %d schedule(s) across %d hospital(s)\n", total, len(schemas))
			return nil
		},
	})
	return cmd
}

func expireHospital(ctx context.Context, pool *pgxpool.Pool, svc *dosage.Service, hospitalID string) (int, error) {
	ctx, release, err := db.WithTenantConn(ctx, pool, hospitalID)
	if err != nil {
		return 0, err
	}
	defer release()
	return svc.ExpireAll(ctx)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

// targetSchemas returns schema when set, otherwise every hospital schema.
func targetSchemas(ctx context.Context, pool *pgxpool.Pool, schema string) ([]string, error) {
	if schema != "" {
		return []string{schema}, nil
	}
	schemas, err := db.ListTenantSchemas(ctx, pool)
	if err != nil {
		return nil, err
	}
	if len(schemas) == 0 {
		return nil, fmt.Errorf("no hospital schemas found; create one with: hms-server hospital create <id>")
	}
	return schemas, nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// store bundles the repositories of the configured backend with the
// middleware that scopes requests to a hospital.
type store struct {
	schedules     dosage.ScheduleRepository
	prescriptions dosage.PrescriptionSource
	tenant        echo.MiddlewareFunc
	health        echo.HandlerFunc
	pool          *pgxpool.Pool
	close         func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		client, database, err := docstore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := dosage.EnsureScheduleIndexes(ctx, database); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to MongoDB")
		return &store{
			schedules:     dosage.NewScheduleRepoMongo(database),
			prescriptions: dosage.NewPrescriptionRepoMongo(database),
			tenant:        db.TenantContextMiddleware(cfg.DefaultTenant, cfg.IsDev()),
			health:        mongoHealthHandler(client),
			close:         func() { _ = client.Disconnect(context.Background()) },
		}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &store{
			schedules:     dosage.NewScheduleRepoPG(pool),
			prescriptions: dosage.NewPrescriptionRepoPG(pool),
			tenant:        db.TenantMiddleware(pool, cfg.DefaultTenant, cfg.IsDev()),
			health:        db.HealthHandler(pool),
			pool:          pool,
			close:         pool.Close,
		}, nil
	}
}

func mongoHealthHandler(client *mongo.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx, nil); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"success": false,
				"status":  "unhealthy",
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  "healthy",
		})
	}
}

func sessionConfig(cfg *config.Config) auth.SessionConfig {
	return auth.SessionConfig{
		Secret:     []byte(cfg.AuthSecret),
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		CookieName: cfg.SessionCookie,
		Skipper:    auth.AuthSkipper,
	}
}

// devPatient is the identity unauthenticated requests run as in development.
func devPatient(cfg *config.Config) auth.Identity {
	return auth.Identity{UID: "dev-patient", Role: auth.RolePatient, HospitalID: cfg.DefaultTenant}
}

func rateLimiterStore(cfg *config.Config) echomw.RateLimiterStore {
	return echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RateLimitRPS),
		Burst:     cfg.RateLimitBurst,
		ExpiresIn: 3 * time.Minute,
	})
}

// newServer assembles the echo instance. tenant scopes /api/v1 requests to a
// hospital and health backs /health/db.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *dosage.Service, tenant echo.MiddlewareFunc, health echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", "X-Hospital-ID"},
		AllowCredentials: true,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if health != nil {
		e.GET("/health/db", health)
	}

	sess := sessionConfig(cfg)
	authMW := auth.SessionMiddleware(sess)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(sess, devPatient(cfg))
	}

	api := e.Group("/api/v1")
	if cfg.RateLimitRPS > 0 {
		api.Use(echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
			Store: rateLimiterStore(cfg),
			IdentifierExtractor: func(c echo.Context) (string, error) {
				return c.RealIP(), nil
			},
		}))
	}
	api.Use(authMW)
	if tenant != nil {
		api.Use(tenant)
	}

	dosage.NewHandler(svc).RegisterRoutes(api)
	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	loc, _ := cfg.Location()

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer st.close()

	svc := dosage.NewService(st.schedules, st.prescriptions, logger)
	svc.SetLocation(loc)

	if cfg.RedisURL != "" {
		locker, client, err := lock.NewRedisLocker(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer client.Close()
		svc.SetLocker(locker, cfg.ImportLockTTL)
		logger.Info().Msg("import locks held in Redis")
	} else {
		svc.SetLocker(lock.NewLocalLocker(), cfg.ImportLockTTL)
		logger.Warn().Msg("REDIS_URL not set; import locks are local to this process")
	}

	e := newServer(cfg, logger, svc, st.tenant, st.health)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StoreDriver).Msg("starting server")
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
