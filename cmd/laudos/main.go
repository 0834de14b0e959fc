package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"laudos/internal/access"
	"laudos/internal/app"
	"laudos/internal/config"
	"laudos/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "laudos",
	Short: "Laudos CLI",
	Long: `Laudos runs psychosocial risk assessment batches from draft to a sealed report.
- Batch: a tenant's assessment round; draft -> released -> completed -> emission_requested -> sealing -> sealed -> delivered, or cancelled.
- Assessment: one subject's questionnaire inside a batch; draft -> in_progress -> completed, or excluded with a reason.
- Emission queue: request-emission queues the report; workers render, store and seal it with a SHA-256 hash.
- Access: every command runs as --principal with --role, scoped by --tenant or --org.
- Event log: audit trail of every transition, view with 'laudos log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LAUDOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default <workspace>/laudos.yml)")
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("db-driver", "", "database driver: sqlite or postgres")
	flags.String("db-dsn", "", "database DSN")
	flags.String("log-level", "", "log level")
	flags.String("principal", "local-cli", "acting principal id")
	flags.String("role", string(access.RolePlatformAdmin), "acting role")
	flags.String("tenant", "", "tenant scope of the acting principal")
	flags.String("org", "", "organization scope of the acting principal")
	for _, name := range []string{"config", "workspace", "json", "db-driver", "db-dsn", "log-level", "principal", "role", "tenant", "org"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(assessmentCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
}

// loadConfig layers CLI flags over the file and environment configuration.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(viper.GetString("config"), workspace)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("db-driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("db-dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Entry, error) {
	l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return logrus.NewEntry(l).WithField("service", "laudos"), nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	rt, err := app.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func flagPrincipal() access.Principal {
	return access.Principal{
		ID:             viper.GetString("principal"),
		Role:           viper.GetString("role"),
		TenantID:       viper.GetString("tenant"),
		OrganizationID: viper.GetString("org"),
	}
}

// withAccess runs fn with the AccessContext built from the principal flags,
// after checking that the role may perform op.
func withAccess(ctx context.Context, op string, fn func(context.Context, *app.Runtime, access.Context) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		ac, err := access.New(flagPrincipal())
		if err != nil {
			return err
		}
		if err := rt.Guard.Policy.Require(ac, op); err != nil {
			return err
		}
		return fn(ctx, rt, ac)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonMode() bool {
	return viper.GetBool("json")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
