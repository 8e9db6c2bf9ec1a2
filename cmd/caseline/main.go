package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/db"
	"caseline/internal/logging"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "caseline",
	Short: "caseline case-management core",
	Long: `caseline routes chat webhooks and clock punches onto tenant journeys.
- Tenant: a customer with its own journeys, channel instances and presence rules (imported from YAML).
- Journey: the ordered states a case moves through; sales_order is the built-in default.
- Case: one business record opened by an inbound image and advanced by later messages.
- Pendency: a question a case waits on until the vendor answers it.
- Job: asynchronous work (OCR, validation, asking pendencies) queued once per idempotency key.
- Presence case: one employee day, fed by ENTRY/BREAK_START/BREAK_END/EXIT punches.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory for the SQLite store")
	rootCmd.PersistentFlags().String("dsn", "", "postgres:// DSN; SQLite in the workspace when empty")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "text", "text or json")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for employee bearer tokens")
	for _, name := range []string{"workspace", "dsn", "json", "log-level", "log-format", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(journeyCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB, dialect db.Dialect) error {
				fmt.Printf("database ready (%s)\n", dialect)
				return nil
			})
		},
	}
}

// --- helpers ---

func newLogger() *slog.Logger {
	return logging.New(logging.Config{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	}, os.Stderr)
}

func dbConfig() db.Config {
	return db.Config{Workspace: viper.GetString("workspace"), DSN: viper.GetString("dsn")}
}

// withDB opens and migrates the configured store.
func withDB(ctx context.Context, fn func(context.Context, *sql.DB, db.Dialect) error) error {
	cfg := dbConfig()
	conn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn, cfg.Dialect()); err != nil {
		return err
	}
	return fn(ctx, conn, cfg.Dialect())
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withDB(ctx, func(ctx context.Context, conn *sql.DB, dialect db.Dialect) error {
		return fn(ctx, repo.Repo{DB: conn, Dialect: dialect})
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s required", name)
	}
	return nil
}
