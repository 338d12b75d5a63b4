package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rookx88/emdr-platform-sub000/internal/config"
	"github.com/rookx88/emdr-platform-sub000/internal/domain/identity"
	"github.com/rookx88/emdr-platform-sub000/internal/platform/auth"
	"github.com/rookx88/emdr-platform-sub000/internal/platform/db"
	"github.com/rookx88/emdr-platform-sub000/internal/platform/hipaa"
	"github.com/rookx88/emdr-platform-sub000/internal/platform/metrics"
	"github.com/rookx88/emdr-platform-sub000/internal/platform/middleware"
	"github.com/rookx88/emdr-platform-sub000/internal/platform/redis"
	"github.com/rookx88/emdr-platform-sub000/internal/platform/secrets"
	"github.com/rookx88/emdr-platform-sub000/migrations"
)

const devUserID = "00000000-0000-0000-0000-000000000001"

func main() {
	rootCmd := &cobra.Command{
		Use:   "emdr-server",
		Short: "EMDR practice PHI protection service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(securityScanCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the PHI API server",
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
			schema, _ := cmd.Flags().GetString("schema")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigratorFS(pool, migrations.FS).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, schema)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigratorFS(pool, migrations.FS).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func withPool(ctx context.Context, fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func securityScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security-scan",
		Short: "Scan stored records for unencrypted PHI",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a security scan and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			return withServices(cmd.Context(), func(ctx context.Context, svc *services) error {
				report, err := svc.scanner.Scan(ctx, actor)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	runCmd.Flags().String("actor", "", "Admin user id recorded as the scan initiator")
	_ = runCmd.MarkFlagRequired("actor")
	cmd.AddCommand(runCmd)

	remediateCmd := &cobra.Command{
		Use:   "remediate <scan-id>",
		Short: "Encrypt the fields reported by a completed scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			return withServices(cmd.Context(), func(ctx context.Context, svc *services) error {
				report, err := svc.scanner.Remediate(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	remediateCmd.Flags().String("actor", "", "Admin user id recorded as the remediation performer")
	_ = remediateCmd.MarkFlagRequired("actor")
	cmd.AddCommand(remediateCmd)

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// services is the PHI service graph shared by the server and the CLI.
type services struct {
	policy    *hipaa.AccessPolicy
	tokenizer *hipaa.Tokenizer
	validator *hipaa.Validator
	scanner   *hipaa.Scanner
	// readiness probes beyond postgres
	checks  []db.Check
	closers []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func withServices(ctx context.Context, fn func(ctx context.Context, svc *services) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, err := buildServices(ctx, cfg, pool, metrics.New(prometheus.NewRegistry()), logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "emdr-phi",
		MaxConnIdleTime: 5 * time.Minute,
	}
}

func keySource(cfg *config.Config) (secrets.KeySource, error) {
	if cfg.PHIKeySource != config.KeySourceVault {
		return secrets.EnvKeySource{Key: cfg.PHIEncryptionKey}, nil
	}
	src, err := secrets.NewVaultKeySource(secrets.VaultConfig{
		Address:   cfg.VaultAddr,
		Token:     cfg.VaultToken,
		Namespace: cfg.VaultNamespace,
		Mount:     cfg.VaultPHIKeyMount,
		Path:      cfg.VaultPHIKeyPath,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func auditSink(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (hipaa.AuditSink, func(), error) {
	pg := hipaa.NewAuditLogger(pool)
	if len(cfg.AuditKafkaBrokers) == 0 {
		return pg, func() {}, nil
	}
	kafka, err := hipaa.NewKafkaAuditSink(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Strs("brokers", cfg.AuditKafkaBrokers).Str("topic", cfg.AuditKafkaTopic).Msg("streaming audit records to kafka")
	return hipaa.MultiSink{pg, kafka}, kafka.Close, nil
}

func buildServices(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, m *metrics.PHIMetrics, logger zerolog.Logger) (*services, error) {
	svc := &services{}

	src, err := keySource(cfg)
	if err != nil {
		return nil, err
	}
	hexKey, err := src.PHIKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve PHI key: %w", err)
	}
	cipher, err := hipaa.LoadCipher(hexKey, cfg.IsProduction(), logger)
	if err != nil {
		return nil, err
	}

	sink, closeSink, err := auditSink(cfg, pool, logger)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, closeSink)
	auditor := hipaa.NewAuditor(sink, logger, m)

	var directory identity.Lookup = identity.NewDirectory(identity.NewUserRepo(pool), identity.NewClientProfileRepo(pool))
	rdb, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		svc.Close()
		return nil, err
	}
	if rdb != nil {
		svc.closers = append(svc.closers, func() { _ = rdb.Close() })
		svc.checks = append(svc.checks, db.Check{Name: "redis", Ping: rdb.Health})
		directory = identity.NewCachedDirectory(directory, rdb, cfg.ActorCacheTTL, logger)
		logger.Info().Dur("ttl", cfg.ActorCacheTTL).Msg("caching actor lookups in redis")
	}

	mint, err := hipaa.NewTokenMint(cipher, hipaa.NewPHIStorePG(pool), auditor, m)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.policy = hipaa.NewAccessPolicy(directory, directory, auditor, m, logger)
	svc.tokenizer = hipaa.NewTokenizer(mint, svc.policy, logger)
	svc.validator = hipaa.NewValidator(mint, auditor, m, logger)
	svc.scanner = hipaa.NewScanner(hipaa.ScannerConfig{
		Targets:     hipaa.DefaultScanTargets(),
		Concurrency: cfg.ScanConcurrency,
	}, hipaa.NewEntityStorePG(pool), hipaa.NewScanStorePG(pool), cipher, auditor, m, logger)
	return svc, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.JWTSigningKey == "" {
		return auth.DevAuthMiddleware(devUserID, []string{hipaa.RoleAdmin})
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.JWTSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.JWTSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svc, err := buildServices(ctx, cfg, pool, metrics.New(prometheus.DefaultRegisterer), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build PHI services")
	}
	defer svc.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(authMiddleware(cfg))
	e.Use(middleware.RequestInfo())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(append([]db.Check{db.PoolCheck(pool)}, svc.checks...)...))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1",
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RateLimit(middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}),
	)
	hipaa.NewPHIHandler(svc.tokenizer, svc.validator, svc.policy, svc.scanner).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
