package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/domain/retention"
	"github.com/ehr/compliance/internal/platform/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "compliance-server",
		Short:        "LGPD compliance and clinical documentation service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(breachCmd())
	rootCmd.AddCommand(consentCmd())
	return rootCmd
}

// bootstrap loads configuration, connects to the database and wires the
// services. The returned func releases the pool.
func bootstrap(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	a, err := newApp(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return a, pool.Close, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the compliance API server and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, closePool, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closePool()
	logger := a.logger
	logger.Info().Msg("connected to database")
	registerPoolMetrics(a.pool, logger)

	e, err := a.newServer(ctx)
	if err != nil {
		return err
	}
	if err := a.startBackground(ctx); err != nil {
		return err
	}

	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
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

			migrator := db.NewMigrator(pool, dir).WithLogger(newLogger(cfg.Env))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
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

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

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

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// batch wires the app for a one-shot command and runs fn.
func batch(fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, closePool, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer closePool()
		return fn(ctx, a)
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load reference data into every tenant",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "legal-bases",
		Short: "Insert the LGPD Art. 7 and Art. 11 legal bases",
		RunE: batch(func(ctx context.Context, a *app) error {
			total := 0
			_, err := a.forEachTenant(ctx, "seed_legal_bases", func(ctx context.Context, _ string) error {
				n, err := a.consents.SeedLegalBases(ctx)
				total += n
				return err
			})
			fmt.Printf("Inserted %d legal basis record(s).\n", total)
			return err
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retention-policies",
		Short: "Insert the default retention policies",
		RunE: batch(func(ctx context.Context, a *app) error {
			total := 0
			_, err := a.forEachTenant(ctx, "seed_retention_policies", func(ctx context.Context, _ string) error {
				n, err := a.retention.SeedDefaultPolicies(ctx)
				total += n
				return err
			})
			fmt.Printf("Inserted %d retention polic(ies).\n", total)
			return err
		}),
	})

	return cmd
}

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Retention scheduling and processing",
	}

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Send due warnings and delete or anonymize expired records",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return batch(func(ctx context.Context, a *app) error {
				res, err := a.runRetention(ctx, dryRun)
				if err != nil {
					return err
				}
				printRetention(res)
				if res.Errors > 0 {
					return fmt.Errorf("%d schedule(s) failed", res.Errors)
				}
				return nil
			})(cmd, args)
		},
	}
	processCmd.Flags().Bool("dry-run", false, "Report what would happen without changing anything")
	cmd.AddCommand(processCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate-policies",
		Short: "Check every retention policy; exits non-zero when any is invalid",
		RunE: batch(func(ctx context.Context, a *app) error {
			issues := 0
			_, err := a.forEachTenant(ctx, "validate_policies", func(ctx context.Context, tenant string) error {
				found, err := a.retention.ValidatePolicies(ctx)
				if err != nil {
					return err
				}
				for _, is := range found {
					fmt.Printf("%s\t%s\t%s\n", tenant, is.Name, is.Error)
				}
				issues += len(found)
				return nil
			})
			if err != nil {
				return err
			}
			if issues > 0 {
				return fmt.Errorf("%d invalid retention polic(ies)", issues)
			}
			fmt.Println("All retention policies are valid.")
			return nil
		}),
	})

	return cmd
}

func printRetention(res retention.RunResult) {
	if res.DryRun {
		fmt.Println("Dry run: no changes were made.")
	}
	fmt.Printf("warnings sent:      %d\n", res.WarningsSent)
	fmt.Printf("deleted:            %d\n", res.Deleted)
	fmt.Printf("anonymized:         %d\n", res.Anonymized)
	fmt.Printf("awaiting approval:  %d\n", res.AwaitingApproval)
	fmt.Printf("skipped:            %d\n", res.Skipped)
	fmt.Printf("errors:             %d\n", res.Errors)
}

func breachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breach",
		Short: "Security incident detection and deadlines",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "detect",
		Short: "Run the access-log detection rules once",
		RunE: batch(func(ctx context.Context, a *app) error {
			res, err := a.runDetection(ctx)
			if err != nil {
				return err
			}
			for _, number := range res.Created {
				fmt.Println("created", number)
			}
			fmt.Printf("created: %d, suppressed: %d, errors: %d\n", len(res.Created), res.Suppressed, res.Errors)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check-deadlines",
		Short: "List incidents and data requests past their statutory deadline",
		RunE: batch(func(ctx context.Context, a *app) error {
			report, err := a.checkDeadlines(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("data requests overdue: %d\n", report.DataRequests)
			for _, o := range report.Incidents {
				fmt.Printf("%s\tanpd_overdue=%t\tsubjects_overdue=%t\n", o.IncidentNumber, o.ANPDOverdue, o.SubjectsOverdue)
			}
			return nil
		}),
	})

	return cmd
}

func consentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Consent maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Mark granted consents past their expiry date as expired",
		RunE: batch(func(ctx context.Context, a *app) error {
			res, err := a.expireConsents(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("expired: %d, errors: %d\n", res.Expired, res.Errors)
			return nil
		}),
	})

	return cmd
}
