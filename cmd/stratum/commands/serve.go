package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratum-cloud/stratum/pkg/api"
	"github.com/stratum-cloud/stratum/pkg/cloning"
	"github.com/stratum-cloud/stratum/pkg/config"
	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/driver/memory"
	"github.com/stratum-cloud/stratum/pkg/driver/minio"
	"github.com/stratum-cloud/stratum/pkg/driver/s3"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/ledger"
	"github.com/stratum-cloud/stratum/pkg/policy"
	"github.com/stratum-cloud/stratum/pkg/region"
	"github.com/stratum-cloud/stratum/pkg/stores"
	"github.com/stratum-cloud/stratum/pkg/telemetry"
	"github.com/stratum-cloud/stratum/pkg/workflows"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the HTTP API and the workflow executor.

On start the database is migrated and every unfinished workflow is resumed,
so a crashed or restarted server picks up where it left off.`,
		Example: `  # Serve with stratum.yaml from the working directory
  stratum serve

  # Serve on another address with Postgres
  STRATUM_DATABASE_DIALECT=postgres \
  STRATUM_DATABASE_DSN=postgres://stratum@localhost/stratum \
  stratum serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

// runtime is the wired control plane shared by serve and resume.
type runtime struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLStore
	ledger *ledger.Ledger
	exec   *engine.Executor
	clon   *cloning.Resolver
	tree   *region.Tree
	logger zerolog.Logger
}

func newRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	rt.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt.logger = rt.tel.Logger.Zerolog()

	rt.store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	drivers, err := newDrivers(ctx, cfg.Drivers, rt.tel, rt.logger)
	if err != nil {
		return nil, err
	}

	policies, err := policy.NewEngine(rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if cfg.Policy.Watch {
			err = policies.Watch(ctx, cfg.Policy.Paths)
		} else {
			err = policies.LoadPolicies(ctx, cfg.Policy.Paths)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	rt.tree, err = loadTree(cfg.Regions)
	if err != nil {
		return nil, err
	}

	schemas := config.NewSchemaRegistry()
	if cfg.Schemas.Dir != "" {
		loaded, err := schemas.LoadDir(cfg.Schemas.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
		rt.logger.Info().Int("count", len(loaded)).Str("dir", cfg.Schemas.Dir).Msg("Loaded resource schemas")
	}

	rt.clon = cloning.NewResolver(rt.store, rt.logger)
	reg := engine.NewRegistry()
	if err := workflows.Register(reg, workflows.Deps{
		Store:    rt.store,
		Drivers:  drivers,
		Schemas:  schemas,
		Policies: policies,
		Regions:  region.NewResolver(rt.tree, rt.clon, policies, rt.logger),
		Cloning:  rt.clon,
		Logger:   rt.logger,
	}); err != nil {
		return nil, fmt.Errorf("failed to register workflows: %w", err)
	}

	rt.ledger = ledger.New(rt.store, rt.logger)
	rt.exec, err = engine.NewExecutor(engine.Options{
		Store:       rt.store,
		Ledger:      rt.ledger,
		Registry:    reg,
		Telemetry:   rt.tel,
		Events:      engine.MultiPublisher{rt.store, engine.NewTelemetryPublisher(rt.tel.Events)},
		Notifier:    api.NewWebhookNotifier(cfg.Notifications.Timeout, cfg.Notifications.AllowedHosts, rt.logger),
		Retry:       cfg.Executor.RetryPolicy(),
		StepTimeout: cfg.Executor.StepTimeout,
		MaxParallel: cfg.Executor.MaxParallel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	return rt, nil
}

// close stops the executor, then releases the store and telemetry.
func (rt *runtime) close() {
	if rt.exec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		if err := rt.exec.Shutdown(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("Executor shutdown incomplete; unfinished workflows resume on next start")
		}
		cancel()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if rt.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
		cancel()
	}
}

func (rt *runtime) resume(ctx context.Context) error {
	n, err := rt.exec.ResumeAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume workflows: %w", err)
	}
	if n > 0 {
		rt.logger.Info().Int("workflows", n).Msg("Resumed unfinished workflows")
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if cfg.Executor.Resume {
		if err := rt.resume(ctx); err != nil {
			return err
		}
	}

	var metrics http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metrics = rt.tel.Metrics.Handler()
	}

	server := api.New(api.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		WaitTimeout:     cfg.Server.WaitTimeout,
		MetricsPath:     cfg.Telemetry.Metrics.Path,
	}, api.Deps{
		Executor: rt.exec,
		Ledger:   rt.ledger,
		Store:    rt.store,
		Policies: rt.clon,
		Regions:  rt.tree,
		Metrics:  metrics,
		Logger:   rt.logger,
	})
	return server.Start(ctx)
}

func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLStore, error) {
	store, err := stores.NewSQLStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newDrivers(ctx context.Context, cfg config.DriversConfig, tel *telemetry.Telemetry, logger zerolog.Logger) (*driver.Registry, error) {
	reg := driver.NewRegistry(driver.RegistryOptions{
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		Telemetry: tel,
		Logger:    logger,
	})

	if cfg.Memory.Enabled {
		if err := memory.New("local").Register(reg); err != nil {
			return nil, err
		}
	}

	if cfg.S3.Enabled {
		d, err := s3.New(ctx, s3.Config{
			Platform:        "aws",
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Profile:         cfg.S3.Profile,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			BucketPrefix:    cfg.S3.BucketPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 driver: %w", err)
		}
		if err := d.Register(reg); err != nil {
			return nil, err
		}
	}

	if cfg.MinIO.Enabled {
		d, err := minio.New(minio.Config{
			Platform:        "minio",
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Region:          cfg.MinIO.Region,
			BucketPrefix:    cfg.MinIO.BucketPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio driver: %w", err)
		}
		if err := d.Register(reg); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func loadTree(cfg config.RegionsConfig) (*region.Tree, error) {
	if cfg.File == "" {
		return region.DefaultTree()
	}
	return region.LoadTreeFile(cfg.File)
}
