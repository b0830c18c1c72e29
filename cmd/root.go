package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/api"
	"github.com/shopmonkeyus/schemastore/internal/database"
	"github.com/shopmonkeyus/schemastore/internal/storage"
	"github.com/shopmonkeyus/schemastore/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version string // set in main

func mustFlagBool(cmd *cobra.Command, name string, required bool) bool {
	val, err := cmd.Flags().GetBool(name)
	if required && err != nil {
		fmt.Printf("error: %s\n", err)
		os.Exit(1)
	}
	return val
}

func mustFlagString(cmd *cobra.Command, name string, required bool) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		fmt.Printf("error: %s\n", err)
		os.Exit(1)
	}
	if required && val == "" {
		fmt.Printf("error: required flag --%s missing\n", name)
		os.Exit(1)
	}
	return val
}

func mustFlagInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		fmt.Printf("error: %s\n", err)
		os.Exit(1)
	}
	return val
}

// fail prints the error as a failed response and exits.
func fail(err error) {
	printResponse(api.Response{Error: err.Error(), Code: internal.ErrorCode(err), Issues: internal.ValidationIssues(err)})
	os.Exit(1)
}

func mustJSONArg(arg string, v any) {
	if err := json.Unmarshal([]byte(arg), v); err != nil {
		fail(fmt.Errorf("invalid json: %w", err))
	}
}

// quietLogger drops trace and debug output unless --verbose is set.
type quietLogger struct {
	logger.Logger
}

func (l *quietLogger) Trace(msg string, args ...any) {}
func (l *quietLogger) Debug(msg string, args ...any) {}

func (l *quietLogger) WithPrefix(prefix string) logger.Logger {
	return &quietLogger{l.Logger.WithPrefix(prefix)}
}

func newLogger() logger.Logger {
	log := logger.NewConsoleLogger()
	if viper.GetBool("verbose") {
		return log
	}
	return &quietLogger{log}
}

// openService opens the database named by the configuration.
func openService(ctx context.Context, log logger.Logger) (*database.Service, error) {
	dataDir := viper.GetString("data-dir")
	if viper.GetBool("memory") {
		dataDir = storage.Memory
	}
	return database.New(database.Config{
		Context:      ctx,
		Logger:       log,
		Name:         viper.GetString("database"),
		DataDir:      dataDir,
		SyncPolicy:   viper.GetString("sync-policy"),
		AuditDir:     viper.GetString("audit-dir"),
		DisableAudit: viper.GetBool("disabled.auditLogging"),
	})
}

// withHandler opens the database, runs fn and prints the response it returns. The process exits with 1 when
// the response is not successful.
func withHandler(fn func(ctx context.Context, h *api.Handler) api.Response) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	log := newLogger()
	defer util.RecoverPanic(log)
	service, err := openService(ctx, log)
	if err != nil {
		fail(err)
	}
	resp := fn(ctx, api.New(service, log))
	if err := service.Close(); err != nil {
		log.Error("error closing database: %s", err)
	}
	printResponse(resp)
	if !resp.Success {
		os.Exit(1)
	}
}

func printResponse(resp api.Response) {
	buf, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("error:"), err)
		os.Exit(1)
	}
	if resp.Success {
		fmt.Fprintln(os.Stderr, color.GreenString("✔ ok"))
	} else {
		fmt.Fprintf(os.Stderr, "%s %s (%s)\n", color.RedString("✘ error:"), resp.Error, color.YellowString(resp.Code))
	}
	fmt.Println(string(buf))
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "schemastore",
	Short: "Declarative schemas, validation and document storage",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func loadConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("SCHEMASTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	flags := map[string]string{
		"data-dir":              "data-dir",
		"audit-dir":             "audit-dir",
		"database":              "database",
		"memory":                "memory",
		"sync-policy":           "sync-policy",
		"verbose":               "verbose",
		"disabled.auditLogging": "disable-audit",
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	if filename := mustFlagString(cmd, "config", false); filename != "" {
		viper.SetConfigFile(filename)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", filename, err)
		}
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = Version
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (toml, yaml or json)")
	rootCmd.PersistentFlags().String("data-dir", "data", "the directory holding the database files")
	rootCmd.PersistentFlags().String("audit-dir", "", "the directory holding the audit log, kept in memory if empty")
	rootCmd.PersistentFlags().String("database", database.DefaultName, "the database name")
	rootCmd.PersistentFlags().Bool("memory", false, "keep the database in memory")
	rootCmd.PersistentFlags().Bool("disable-audit", false, "turn off audit logging")
	rootCmd.PersistentFlags().String("sync-policy", "everysecond", "how often writes are synced to disk: always, everysecond or never")
	rootCmd.PersistentFlags().Bool("verbose", false, "turn on verbose logging")
}
