package cmd

import (
	"context"
	"time"

	"github.com/shopmonkeyus/schemastore/internal/api"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the audit entries of a day",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		day := mustFlagString(cmd, "day", false)
		if day == "" {
			day = time.Now().UTC().Format("2006-01-02")
		}
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.AuditEntries(ctx, day)
		})
	},
}

var auditDaysCmd = &cobra.Command{
	Use:   "days",
	Short: "List the days that have audit entries",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.AuditDays()
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the operation metrics and system stats",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withHandler(func(ctx context.Context, h *api.Handler) api.Response {
			return h.Stats(true)
		})
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditDaysCmd)
	auditListCmd.Flags().String("day", "", "the day as YYYY-MM-DD, defaults to today (UTC)")
	rootCmd.AddCommand(statsCmd)
}
