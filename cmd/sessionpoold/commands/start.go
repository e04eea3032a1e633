package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Morditux/sessionpool"
	"github.com/Morditux/sessionpool/internal/api"
	"github.com/Morditux/sessionpool/internal/config"
	"github.com/Morditux/sessionpool/internal/logger"
	"github.com/Morditux/sessionpool/internal/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pool and its HTTP endpoint",
	Long: `Start the session pool in the foreground.

Configuration is read from --config, the default location or defaults, and
every setting can be overridden with SESSIONPOOL_<SECTION>_<KEY>, for example
SESSIONPOOL_DATABASE_HOST=db.internal.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	driver, err := newDriver(cfg.Database)
	if err != nil {
		return err
	}

	var (
		poolMetrics sessionpool.Metrics
		gatherer    prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		poolMetrics = metrics.New(reg)
		gatherer = reg
	}

	mgr, err := sessionpool.NewManager(sessionpool.Config{
		Driver:         driver,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		SweepInterval:  cfg.Pool.SweepInterval,
		DisposeTimeout: cfg.ShutdownTimeout,
		Metrics:        poolMetrics,
	})
	if err != nil {
		return err
	}
	logger.Info("session pool started",
		"driver", cfg.Database.Driver,
		"idle_timeout", cfg.Pool.IdleTimeout.String(),
		"sweep_interval", cfg.Pool.SweepInterval.String(),
		"metrics", cfg.Metrics.Enabled)

	disposed, stopSignals := mgr.DisposeOnSignal()
	defer stopSignals()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		select {
		case <-disposed:
			cancel()
		case <-ctx.Done():
		}
	}()

	srv := api.NewServer(api.ServerConfig{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, api.NewRouter(api.RouterConfig{
		Manager:       mgr,
		SessionCookie: cfg.Server.SessionCookie,
		Gatherer:      gatherer,
	}))

	serveErr := srv.Start(ctx)
	if err := mgr.Close(); err != nil {
		logger.Error("session pool close failed", "error", err)
	}
	return serveErr
}

func newDriver(cfg config.DatabaseConfig) (sessionpool.Driver, error) {
	switch cfg.Driver {
	case "pgx":
		return sessionpool.NewPgxDriverWithConfig(sessionpool.PgxConfig{
			DSN:               cfg.DSN(),
			MaxConns:          int32(cfg.MaxConns),
			NoWaitLockTimeout: cfg.NoWaitLockTimeout,
		}), nil
	case "postgres":
		d, err := sessionpool.NewSQLDriverWithConfig(sessionpool.SQLConfig{
			DriverName:        "postgres",
			DSN:               cfg.DSN(),
			MaxOpenConns:      cfg.MaxConns,
			MaxIdleConns:      5,
			ConnMaxLifetime:   5 * time.Minute,
			ConnMaxIdleTime:   time.Minute,
			NoWaitLockTimeout: cfg.NoWaitLockTimeout,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	case "sqlite":
		d, err := sessionpool.NewSQLiteDriver(cfg.DSN())
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
